package model

import "strconv"

// Level identifies the program representation an entity belongs to.
type Level string

const (
	LevelBitcode  Level = "bitcode"
	LevelMachine  Level = "machinecode"
	LevelGCFG     Level = "gcfg"
	LevelRelation Level = "relationgraph"
)

// ProgramPoint is anything a flow-fact term or scope can reference: a
// function, a block, an instruction, a loop, a CFG edge, or a marker.
// Qualified names are stable across loads of the same document and are the
// identity used for ILP variable naming.
type ProgramPoint interface {
	QualifiedName() string
}

// Function is one function of a single representation level. Blocks are kept
// in document order; the first block is the entry block.
type Function struct {
	Name    string
	Level   Level
	Address uint64
	Blocks  []*Block
	Loops   []*Loop
}

func (f *Function) QualifiedName() string { return f.Name }

// EntryBlock returns the first block, or nil for a body-less function.
func (f *Function) EntryBlock() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// LoopByHeader returns the loop headed by the named block, if any.
func (f *Function) LoopByHeader(name string) *Loop {
	for _, l := range f.Loops {
		if l.Header.Name == name {
			return l
		}
	}
	return nil
}

// Finalize wires up the derived structure of a hand-built or freshly parsed
// function: block indices, predecessor lists, loop membership back-pointers
// and the back-edge classification of loop-header predecessors. Must be
// called once after Blocks, Successors and Loops are populated.
func (f *Function) Finalize() {
	for i, b := range f.Blocks {
		b.Index = i
		b.Function = f
		b.Predecessors = nil
		for j, insn := range b.Instructions {
			insn.Index = j
			insn.Block = b
		}
	}
	for _, b := range f.Blocks {
		for _, s := range b.Successors {
			s.Predecessors = append(s.Predecessors, b)
		}
	}
	for _, l := range f.Loops {
		l.Header.isHeader = true
	}
	for _, b := range f.Blocks {
		b.backIn = nil
		for _, p := range b.Predecessors {
			if b.isHeader && p.inLoopHeadedBy(b) {
				if b.backIn == nil {
					b.backIn = make(map[*Block]bool)
				}
				b.backIn[p] = true
			}
		}
	}
}

// Block is a basic block. Successor order follows the document; predecessor
// order follows the successor lists of the blocks that precede it.
type Block struct {
	Name         string
	Index        int
	Function     *Function
	MayReturn    bool
	Successors   []*Block
	Predecessors []*Block
	Instructions []*Instruction
	Loops        []*Loop // enclosing loops, innermost first

	isHeader bool
	backIn   map[*Block]bool
}

func (b *Block) QualifiedName() string { return b.Function.Name + "::" + b.Name }

// IsBackEdge reports whether the incoming edge pred→b closes a loop headed
// by b.
func (b *Block) IsBackEdge(pred *Block) bool { return b.backIn[pred] }

// LoopDepth is the nesting depth of the block (0 outside any loop).
func (b *Block) LoopDepth() int { return len(b.Loops) }

// IsDataOnly reports blocks that carry data but no control flow: a non-entry
// block without predecessors. Such blocks never execute and take no part in
// the flow model.
func (b *Block) IsDataOnly() bool { return b.Index > 0 && len(b.Predecessors) == 0 }

// CallSites returns the call instructions of the block in document order.
func (b *Block) CallSites() []*Instruction {
	var sites []*Instruction
	for _, insn := range b.Instructions {
		if insn.IsCall {
			sites = append(sites, insn)
		}
	}
	return sites
}

func (b *Block) inLoopHeadedBy(header *Block) bool {
	for _, l := range b.Loops {
		if l.Header == header {
			return true
		}
	}
	return false
}

// Instruction is a single machine or bitcode instruction. Bitcode
// instructions may carry a marker symbol; call instructions may carry a
// statically known callee list (empty = indirect with unknown targets).
type Instruction struct {
	Index   int
	Block   *Block
	Opcode  string
	Marker  string
	IsCall  bool
	Callees []*Function
}

func (i *Instruction) QualifiedName() string {
	return i.Block.QualifiedName() + "::" + strconv.Itoa(i.Index)
}

// Loop is identified by its header block.
type Loop struct {
	Header *Block
}

func (l *Loop) QualifiedName() string { return "loop:" + l.Header.QualifiedName() }

// Edge is a CFG edge used as a flow-fact program point. A nil Target stands
// for the function exit.
type Edge struct {
	Source *Block
	Target *Block
}

func (e Edge) QualifiedName() string {
	if e.Target == nil {
		return e.Source.QualifiedName() + "->exit"
	}
	return e.Source.QualifiedName() + "->" + e.Target.QualifiedName()
}

// Marker is a symbolic label on a bitcode instruction, referenced by
// machine-independent flow facts and resolved late.
type Marker string

func (m Marker) QualifiedName() string { return "marker:" + string(m) }

// Constant is an integer literal term in a flow fact.
type Constant int64

func (c Constant) QualifiedName() string { return strconv.FormatInt(int64(c), 10) }

// Program bundles everything the constraint builder consumes: both CFG
// levels, the relation graphs between them, an optional GCFG and the flow
// facts.
type Program struct {
	MachineFunctions []*Function
	BitcodeFunctions []*Function
	RelationGraphs   []*RelationGraph
	GCFG             *GCFG
	FlowFacts        []*FlowFact

	machineByName map[string]*Function
	bitcodeByName map[string]*Function
	relationByDst map[string]*RelationGraph
}

// Index builds the name lookup tables. Called by the loader; hand-built
// programs must call it before use.
func (p *Program) Index() {
	p.machineByName = make(map[string]*Function, len(p.MachineFunctions))
	for _, f := range p.MachineFunctions {
		p.machineByName[f.Name] = f
	}
	p.bitcodeByName = make(map[string]*Function, len(p.BitcodeFunctions))
	for _, f := range p.BitcodeFunctions {
		p.bitcodeByName[f.Name] = f
	}
	p.relationByDst = make(map[string]*RelationGraph, len(p.RelationGraphs))
	for _, rg := range p.RelationGraphs {
		p.relationByDst[rg.Dst.Name] = rg
	}
}

// MachineFunction looks up a machine-level function by name.
func (p *Program) MachineFunction(name string) *Function { return p.machineByName[name] }

// BitcodeFunction looks up a bitcode-level function by name.
func (p *Program) BitcodeFunction(name string) *Function { return p.bitcodeByName[name] }

// RelationGraphFor returns the relation graph whose machine side is fn, or
// nil if the function has none.
func (p *Program) RelationGraphFor(fn *Function) *RelationGraph {
	return p.relationByDst[fn.Name]
}
