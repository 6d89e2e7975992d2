package model

// RelationNodeType classifies relation-graph nodes. Entry and exit delimit
// the function pair; progress nodes relate a bitcode block to a machine
// block; src/dst nodes carry a block on one side only.
type RelationNodeType string

const (
	RelationEntry    RelationNodeType = "entry"
	RelationExit     RelationNodeType = "exit"
	RelationProgress RelationNodeType = "progress"
	RelationSrc      RelationNodeType = "src"
	RelationDst      RelationNodeType = "dst"
)

// RelationSide selects the bitcode (src) or machine-code (dst) projection of
// a relation-graph node.
type RelationSide int

const (
	SideSrc RelationSide = iota
	SideDst
)

func (s RelationSide) String() string {
	if s == SideSrc {
		return "src"
	}
	return "dst"
}

// RelationNode is one node of a relation graph. Each side may expose a block
// and carries its own typed successor list; a progress edge appears in both
// lists.
type RelationNode struct {
	Name          string
	Type          RelationNodeType
	Graph         *RelationGraph
	SrcBlock      *Block
	DstBlock      *Block
	SrcSuccessors []*RelationNode
	DstSuccessors []*RelationNode
}

func (n *RelationNode) QualifiedName() string { return n.Graph.Name + "::" + n.Name }

// Block returns the node's block on the given side, or nil.
func (n *RelationNode) Block(side RelationSide) *Block {
	if side == SideSrc {
		return n.SrcBlock
	}
	return n.DstBlock
}

// Successors returns the node's successor list on the given side.
func (n *RelationNode) Successors(side RelationSide) []*RelationNode {
	if side == SideSrc {
		return n.SrcSuccessors
	}
	return n.DstSuccessors
}

// RelationGraph relates the bitcode CFG (Src) of one function to its machine
// CFG (Dst). The first node is the entry node. Status records the outcome of
// the external graph construction; the builder only consumes graphs its
// options accept.
type RelationGraph struct {
	Name   string
	Src    *Function
	Dst    *Function
	Nodes  []*RelationNode
	Status string
}

// Entry returns the entry node, or nil for an empty graph.
func (rg *RelationGraph) Entry() *RelationNode {
	if len(rg.Nodes) == 0 {
		return nil
	}
	return rg.Nodes[0]
}
