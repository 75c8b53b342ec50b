// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package dataset handles every parquet table the arena touches: the trusted
// synthetic corpus (typed rows), the untrusted tables produced by miner
// containers (dynamic frames) and the shared on-disk work tree evaluation
// runs operate in.
package dataset

import (
	"path/filepath"
	"strconv"

	"github.com/parquet-go/parquet-go"
	"github.com/pkg/errors"
)

// SnapshotWindowDays is the lookback window of the corpus snapshots; the
// directory layout bakes it into the path.
const SnapshotWindowDays = 30

// Transfer is one directed edge of the synthetic transaction graph.
type Transfer struct {
	FromAddress string  `parquet:"from_address"`
	ToAddress   string  `parquet:"to_address"`
	Amount      float64 `parquet:"amount,optional"`
	Timestamp   int64   `parquet:"timestamp,optional"`
}

// GroundTruthRow is one address the evaluator expects a competent submission
// to discover.
type GroundTruthRow struct {
	Address string `parquet:"address"`
}

// Corpus resolves and loads the read-only synthetic snapshots, laid out as
// {root}/synthetics/snapshots/{network}/{date}/{window}/.
type Corpus struct {
	root string
}

// NewCorpus returns a corpus rooted at the given data directory.
func NewCorpus(root string) Corpus {
	return Corpus{root: root}
}

// SnapshotDir returns the directory of one (network, date) snapshot.
func (c Corpus) SnapshotDir(network, date string) string {
	return filepath.Join(c.root, "synthetics", "snapshots", network, date, strconv.Itoa(SnapshotWindowDays))
}

// TransfersPath returns the path of the transfers table for a snapshot.
func (c Corpus) TransfersPath(network, date string) string {
	return filepath.Join(c.SnapshotDir(network, date), "transfers.parquet")
}

// GroundTruthPath returns the path of the ground truth table for a snapshot.
func (c Corpus) GroundTruthPath(network, date string) string {
	return filepath.Join(c.SnapshotDir(network, date), "ground_truth.parquet")
}

// LoadTransfers reads the full transfers table of a snapshot.
func (c Corpus) LoadTransfers(network, date string) ([]Transfer, error) {
	path := c.TransfersPath(network, date)
	rows, err := parquet.ReadFile[Transfer](path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading transfers %s", path)
	}
	return rows, nil
}

// LoadGroundTruth reads the ground truth addresses of a snapshot.
func (c Corpus) LoadGroundTruth(network, date string) ([]string, error) {
	path := c.GroundTruthPath(network, date)
	rows, err := parquet.ReadFile[GroundTruthRow](path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading ground truth %s", path)
	}
	addresses := make([]string, 0, len(rows))
	for _, row := range rows {
		addresses = append(addresses, row.Address)
	}
	return addresses, nil
}
