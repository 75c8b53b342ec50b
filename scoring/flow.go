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

package scoring

import "github.com/codepr/arena/dataset"

type flowEdge struct {
	from, to string
}

// FlowGraph indexes the transfers snapshot for O(1) edge and address
// lookups during pattern verification.
type FlowGraph struct {
	edges map[flowEdge]struct{}
	nodes map[string]struct{}
}

// NewFlowGraph builds the index from the full transfers table.
func NewFlowGraph(transfers []dataset.Transfer) *FlowGraph {
	g := &FlowGraph{
		edges: make(map[flowEdge]struct{}, len(transfers)),
		nodes: make(map[string]struct{}, 2*len(transfers)),
	}
	for _, t := range transfers {
		g.edges[flowEdge{from: t.FromAddress, to: t.ToAddress}] = struct{}{}
		g.nodes[t.FromAddress] = struct{}{}
		g.nodes[t.ToAddress] = struct{}{}
	}
	return g
}

// HasEdge reports whether at least one transfer goes from -> to.
func (g *FlowGraph) HasEdge(from, to string) bool {
	_, ok := g.edges[flowEdge{from: from, to: to}]
	return ok
}

// HasAddress reports whether an address appears anywhere in the transfers.
func (g *FlowGraph) HasAddress(address string) bool {
	_, ok := g.nodes[address]
	return ok
}

// VerifyFlows checks that every consecutive address pair of a sequence
// exists as a directed edge. Sequences shorter than two are trivially true.
func (g *FlowGraph) VerifyFlows(seq []string) bool {
	for i := 0; i+1 < len(seq); i++ {
		if !g.HasEdge(seq[i], seq[i+1]) {
			return false
		}
	}
	return true
}
