package model

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/expr-lang/expr"
)

// Document structs mirror the JSON program-model format produced by the
// external extraction tooling. Names are resolved into the pointer graph by
// ParseProgram; every dangling reference is a load error.

type documentInstruction struct {
	Opcode  string   `json:"opcode"`
	Marker  string   `json:"marker"`
	Call    bool     `json:"call"`
	Callees []string `json:"callees"`
}

type documentBlock struct {
	Name         string                `json:"name"`
	Successors   []string              `json:"successors"`
	MayReturn    bool                  `json:"may-return"`
	Loops        []string              `json:"loops"`
	Instructions []documentInstruction `json:"instructions"`
}

type documentFunction struct {
	Name    string          `json:"name"`
	Address uint64          `json:"address"`
	Blocks  []documentBlock `json:"blocks"`
	Loops   []string        `json:"loops"`
}

type documentRelationNode struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	SrcBlock      string   `json:"src-block"`
	DstBlock      string   `json:"dst-block"`
	SrcSuccessors []string `json:"src-successors"`
	DstSuccessors []string `json:"dst-successors"`
}

type documentRelationGraph struct {
	Name   string                 `json:"name"`
	Src    string                 `json:"src"`
	Dst    string                 `json:"dst"`
	Status string                 `json:"status"`
	Nodes  []documentRelationNode `json:"nodes"`
}

type documentGCFGNode struct {
	Name       string   `json:"name"`
	Function   string   `json:"function"`
	EntryBlock string   `json:"entry-block"`
	ExitBlock  string   `json:"exit-block"`
	Blocks     []string `json:"blocks"`
	Successors []string `json:"successors"`
	MayReturn  bool     `json:"may-return"`
}

type documentGCFG struct {
	Name  string             `json:"name"`
	Nodes []documentGCFGNode `json:"nodes"`
}

type documentEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type documentTerm struct {
	Factor      int64         `json:"factor"`
	Function    string        `json:"function"`
	Block       string        `json:"block"`
	Loop        string        `json:"loop"`
	Instruction string        `json:"instruction"`
	Marker      string        `json:"marker"`
	Edge        *documentEdge `json:"edge"`
	Constant    *int64        `json:"constant"`
	Context     string        `json:"context"`
}

type documentScope struct {
	Function string `json:"function"`
	Loop     string `json:"loop"`
	Context  string `json:"context"`
}

type documentFlowFact struct {
	Name   string          `json:"name"`
	Level  string          `json:"level"`
	Origin string          `json:"origin"`
	Scope  documentScope   `json:"scope"`
	LHS    []documentTerm  `json:"lhs"`
	Op     string          `json:"op"`
	RHS    json.RawMessage `json:"rhs"`
}

type document struct {
	MachineFunctions []documentFunction      `json:"machine-functions"`
	BitcodeFunctions []documentFunction      `json:"bitcode-functions"`
	RelationGraphs   []documentRelationGraph `json:"relation-graphs"`
	GCFG             *documentGCFG           `json:"gcfg"`
	FlowFacts        []documentFlowFact      `json:"flowfacts"`
}

// LoadProgram reads and resolves a program-model document from disk.
func LoadProgram(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read program model: %w", err)
	}
	return ParseProgram(data)
}

// ParseProgram decodes a program-model document and resolves all name
// references into the pointer graph.
func ParseProgram(data []byte) (*Program, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse program model: %w", err)
	}

	prog := &Program{}
	var err error
	if prog.MachineFunctions, err = buildFunctions(doc.MachineFunctions, LevelMachine); err != nil {
		return nil, err
	}
	if prog.BitcodeFunctions, err = buildFunctions(doc.BitcodeFunctions, LevelBitcode); err != nil {
		return nil, err
	}
	prog.Index()

	for _, drg := range doc.RelationGraphs {
		rg, err := buildRelationGraph(prog, drg)
		if err != nil {
			return nil, err
		}
		prog.RelationGraphs = append(prog.RelationGraphs, rg)
	}
	prog.Index()

	if doc.GCFG != nil {
		gcfg, err := buildGCFG(prog, *doc.GCFG)
		if err != nil {
			return nil, err
		}
		prog.GCFG = gcfg
	}

	for i, dff := range doc.FlowFacts {
		ff, err := buildFlowFact(prog, dff, i)
		if err != nil {
			return nil, err
		}
		prog.FlowFacts = append(prog.FlowFacts, ff)
	}
	return prog, nil
}

// LoadFlowFacts reads an additional flow-fact document (a JSON object with a
// single "flowfacts" list) and appends its facts to the program.
func LoadFlowFacts(path string, prog *Program) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read flow facts: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse flow facts: %w", err)
	}
	base := len(prog.FlowFacts)
	for i, dff := range doc.FlowFacts {
		ff, err := buildFlowFact(prog, dff, base+i)
		if err != nil {
			return err
		}
		prog.FlowFacts = append(prog.FlowFacts, ff)
	}
	return nil
}

func buildFunctions(docs []documentFunction, level Level) ([]*Function, error) {
	var fns []*Function
	for _, df := range docs {
		fn, err := buildFunction(df, level)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	// Callee references may point at functions defined later in the
	// document, so they are resolved in a second pass.
	byName := make(map[string]*Function, len(fns))
	for _, fn := range fns {
		byName[fn.Name] = fn
	}
	for i, fn := range fns {
		df := docs[i]
		for bi, b := range fn.Blocks {
			for ii, insn := range b.Instructions {
				for _, callee := range df.Blocks[bi].Instructions[ii].Callees {
					target, ok := byName[callee]
					if !ok {
						return nil, fmt.Errorf("function %s: unknown callee %q", fn.Name, callee)
					}
					insn.Callees = append(insn.Callees, target)
				}
			}
		}
	}
	return fns, nil
}

func buildFunction(df documentFunction, level Level) (*Function, error) {
	fn := &Function{Name: df.Name, Level: level, Address: df.Address}
	byName := make(map[string]*Block, len(df.Blocks))
	for _, db := range df.Blocks {
		b := &Block{Name: db.Name, MayReturn: db.MayReturn}
		for _, di := range db.Instructions {
			b.Instructions = append(b.Instructions, &Instruction{
				Opcode: di.Opcode,
				Marker: di.Marker,
				IsCall: di.Call || len(di.Callees) > 0,
			})
		}
		if byName[b.Name] != nil {
			return nil, fmt.Errorf("function %s: duplicate block %q", fn.Name, b.Name)
		}
		byName[b.Name] = b
		fn.Blocks = append(fn.Blocks, b)
	}
	for i, db := range df.Blocks {
		b := fn.Blocks[i]
		for _, succ := range db.Successors {
			s, ok := byName[succ]
			if !ok {
				return nil, fmt.Errorf("function %s: block %s has unknown successor %q", fn.Name, b.Name, succ)
			}
			b.Successors = append(b.Successors, s)
		}
	}
	for _, header := range df.Loops {
		h, ok := byName[header]
		if !ok {
			return nil, fmt.Errorf("function %s: unknown loop header %q", fn.Name, header)
		}
		fn.Loops = append(fn.Loops, &Loop{Header: h})
	}
	for i, db := range df.Blocks {
		b := fn.Blocks[i]
		for _, header := range db.Loops {
			l := fn.LoopByHeader(header)
			if l == nil {
				return nil, fmt.Errorf("function %s: block %s references unknown loop %q", fn.Name, b.Name, header)
			}
			b.Loops = append(b.Loops, l)
		}
	}
	fn.Finalize()
	return fn, nil
}

func buildRelationGraph(prog *Program, drg documentRelationGraph) (*RelationGraph, error) {
	src := prog.BitcodeFunction(drg.Src)
	if src == nil {
		return nil, fmt.Errorf("relation graph %s: unknown bitcode function %q", drg.Name, drg.Src)
	}
	dst := prog.MachineFunction(drg.Dst)
	if dst == nil {
		return nil, fmt.Errorf("relation graph %s: unknown machine function %q", drg.Name, drg.Dst)
	}
	rg := &RelationGraph{Name: drg.Name, Src: src, Dst: dst, Status: drg.Status}
	byName := make(map[string]*RelationNode, len(drg.Nodes))
	for _, dn := range drg.Nodes {
		n := &RelationNode{Name: dn.Name, Type: RelationNodeType(dn.Type), Graph: rg}
		if dn.SrcBlock != "" {
			if n.SrcBlock = blockByName(src, dn.SrcBlock); n.SrcBlock == nil {
				return nil, fmt.Errorf("relation graph %s: node %s has unknown src block %q", rg.Name, n.Name, dn.SrcBlock)
			}
		}
		if dn.DstBlock != "" {
			if n.DstBlock = blockByName(dst, dn.DstBlock); n.DstBlock == nil {
				return nil, fmt.Errorf("relation graph %s: node %s has unknown dst block %q", rg.Name, n.Name, dn.DstBlock)
			}
		}
		if byName[n.Name] != nil {
			return nil, fmt.Errorf("relation graph %s: duplicate node %q", rg.Name, n.Name)
		}
		byName[n.Name] = n
		rg.Nodes = append(rg.Nodes, n)
	}
	for i, dn := range drg.Nodes {
		n := rg.Nodes[i]
		for _, succ := range dn.SrcSuccessors {
			s, ok := byName[succ]
			if !ok {
				return nil, fmt.Errorf("relation graph %s: node %s has unknown src successor %q", rg.Name, n.Name, succ)
			}
			n.SrcSuccessors = append(n.SrcSuccessors, s)
		}
		for _, succ := range dn.DstSuccessors {
			s, ok := byName[succ]
			if !ok {
				return nil, fmt.Errorf("relation graph %s: node %s has unknown dst successor %q", rg.Name, n.Name, succ)
			}
			n.DstSuccessors = append(n.DstSuccessors, s)
		}
	}
	return rg, nil
}

func buildGCFG(prog *Program, dg documentGCFG) (*GCFG, error) {
	g := &GCFG{Name: dg.Name}
	byName := make(map[string]*GCFGNode, len(dg.Nodes))
	for _, dn := range dg.Nodes {
		fn := prog.MachineFunction(dn.Function)
		if fn == nil {
			return nil, fmt.Errorf("gcfg node %s: unknown machine function %q", dn.Name, dn.Function)
		}
		abb := &ABB{Name: dn.Name, Function: fn}
		if abb.EntryBlock = blockByName(fn, dn.EntryBlock); abb.EntryBlock == nil {
			return nil, fmt.Errorf("gcfg node %s: unknown entry block %q", dn.Name, dn.EntryBlock)
		}
		if abb.ExitBlock = blockByName(fn, dn.ExitBlock); abb.ExitBlock == nil {
			return nil, fmt.Errorf("gcfg node %s: unknown exit block %q", dn.Name, dn.ExitBlock)
		}
		for _, name := range dn.Blocks {
			b := blockByName(fn, name)
			if b == nil {
				return nil, fmt.Errorf("gcfg node %s: unknown region block %q", dn.Name, name)
			}
			abb.Blocks = append(abb.Blocks, b)
		}
		node := &GCFGNode{Name: dn.Name, ABB: abb, MayReturn: dn.MayReturn}
		if byName[node.Name] != nil {
			return nil, fmt.Errorf("gcfg: duplicate node %q", node.Name)
		}
		byName[node.Name] = node
		g.Nodes = append(g.Nodes, node)
	}
	for i, dn := range dg.Nodes {
		n := g.Nodes[i]
		for _, succ := range dn.Successors {
			s, ok := byName[succ]
			if !ok {
				return nil, fmt.Errorf("gcfg node %s: unknown successor %q", n.Name, succ)
			}
			n.Successors = append(n.Successors, s)
		}
	}
	return g, nil
}

func buildFlowFact(prog *Program, dff documentFlowFact, seq int) (*FlowFact, error) {
	ff := &FlowFact{
		Name:   dff.Name,
		Level:  Level(dff.Level),
		Origin: dff.Origin,
		Op:     Comparison(dff.Op),
	}
	if ff.Name == "" {
		ff.Name = fmt.Sprintf("ff%d", seq)
	}
	if ff.Level == "" {
		ff.Level = LevelMachine
	}
	if ff.Op == "" {
		ff.Op = CmpLessEqual
	}
	if ff.Op != CmpEqual && ff.Op != CmpLessEqual {
		return nil, fmt.Errorf("flowfact %s: unsupported operator %q", ff.Name, dff.Op)
	}

	level := functionsAtLevel(prog, ff.Level)
	scopePoint, err := resolveScope(level, dff.Scope, ff.Name)
	if err != nil {
		return nil, err
	}
	ff.Scope = Scope{Point: scopePoint, Context: dff.Scope.Context}

	for _, dt := range dff.LHS {
		point, err := resolveTermPoint(level, dt, ff.Name)
		if err != nil {
			return nil, err
		}
		factor := dt.Factor
		if factor == 0 {
			factor = 1
		}
		ff.LHS = append(ff.LHS, Term{Factor: factor, Point: point, Context: dt.Context})
	}

	ff.RHS, ff.SymbolicRHS = evaluateRHS(dff.RHS)
	return ff, nil
}

func functionsAtLevel(prog *Program, level Level) []*Function {
	if level == LevelBitcode {
		return prog.BitcodeFunctions
	}
	return prog.MachineFunctions
}

func resolveScope(fns []*Function, ds documentScope, fact string) (ProgramPoint, error) {
	switch {
	case ds.Function != "":
		fn := functionByName(fns, ds.Function)
		if fn == nil {
			return nil, fmt.Errorf("flowfact %s: unknown scope function %q", fact, ds.Function)
		}
		return fn, nil
	case ds.Loop != "":
		l, err := loopByQualifiedName(fns, ds.Loop)
		if err != nil {
			return nil, fmt.Errorf("flowfact %s: %w", fact, err)
		}
		return l, nil
	}
	return nil, fmt.Errorf("flowfact %s: scope must name a function or a loop", fact)
}

func resolveTermPoint(fns []*Function, dt documentTerm, fact string) (ProgramPoint, error) {
	switch {
	case dt.Constant != nil:
		return Constant(*dt.Constant), nil
	case dt.Marker != "":
		return Marker(dt.Marker), nil
	case dt.Function != "":
		fn := functionByName(fns, dt.Function)
		if fn == nil {
			return nil, fmt.Errorf("flowfact %s: unknown function %q", fact, dt.Function)
		}
		return fn, nil
	case dt.Block != "":
		b, err := blockByQualifiedName(fns, dt.Block)
		if err != nil {
			return nil, fmt.Errorf("flowfact %s: %w", fact, err)
		}
		return b, nil
	case dt.Loop != "":
		l, err := loopByQualifiedName(fns, dt.Loop)
		if err != nil {
			return nil, fmt.Errorf("flowfact %s: %w", fact, err)
		}
		return l, nil
	case dt.Instruction != "":
		insn, err := instructionByQualifiedName(fns, dt.Instruction)
		if err != nil {
			return nil, fmt.Errorf("flowfact %s: %w", fact, err)
		}
		return insn, nil
	case dt.Edge != nil:
		src, err := blockByQualifiedName(fns, dt.Edge.Source)
		if err != nil {
			return nil, fmt.Errorf("flowfact %s: %w", fact, err)
		}
		if dt.Edge.Target == "" || dt.Edge.Target == "exit" {
			return Edge{Source: src}, nil
		}
		dst, err := blockByQualifiedName(fns, dt.Edge.Target)
		if err != nil {
			return nil, fmt.Errorf("flowfact %s: %w", fact, err)
		}
		return Edge{Source: src, Target: dst}, nil
	}
	return nil, fmt.Errorf("flowfact %s: term references no program point", fact)
}

// evaluateRHS reduces a numeric or string right-hand side to a constant.
// String expressions are evaluated as constant arithmetic ("4*16" → 64);
// anything that does not reduce to an integer is kept symbolic.
func evaluateRHS(raw json.RawMessage) (int64, string) {
	if len(raw) == 0 {
		return 0, ""
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, strings.TrimSpace(string(raw))
	}
	out, err := expr.Eval(s, nil)
	if err != nil {
		return 0, s
	}
	switch v := out.(type) {
	case int:
		return int64(v), ""
	case int64:
		return v, ""
	case float64:
		if v == float64(int64(v)) {
			return int64(v), ""
		}
	}
	return 0, s
}

func functionByName(fns []*Function, name string) *Function {
	for _, fn := range fns {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

func blockByName(fn *Function, name string) *Block {
	for _, b := range fn.Blocks {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// blockByQualifiedName resolves "function::block" references.
func blockByQualifiedName(fns []*Function, qname string) (*Block, error) {
	fnName, rest, ok := strings.Cut(qname, "::")
	if !ok {
		return nil, fmt.Errorf("block reference %q is not of the form function::block", qname)
	}
	fn := functionByName(fns, fnName)
	if fn == nil {
		return nil, fmt.Errorf("unknown function %q in block reference %q", fnName, qname)
	}
	b := blockByName(fn, rest)
	if b == nil {
		return nil, fmt.Errorf("unknown block %q in function %s", rest, fnName)
	}
	return b, nil
}

// loopByQualifiedName resolves "function::header" references.
func loopByQualifiedName(fns []*Function, qname string) (*Loop, error) {
	header, err := blockByQualifiedName(fns, qname)
	if err != nil {
		return nil, err
	}
	l := header.Function.LoopByHeader(header.Name)
	if l == nil {
		return nil, fmt.Errorf("block %s is not a loop header", qname)
	}
	return l, nil
}

// instructionByQualifiedName resolves "function::block::index" references.
func instructionByQualifiedName(fns []*Function, qname string) (*Instruction, error) {
	idx := strings.LastIndex(qname, "::")
	if idx < 0 {
		return nil, fmt.Errorf("instruction reference %q is not of the form function::block::index", qname)
	}
	b, err := blockByQualifiedName(fns, qname[:idx])
	if err != nil {
		return nil, err
	}
	var i int
	if _, err := fmt.Sscanf(qname[idx+2:], "%d", &i); err != nil {
		return nil, fmt.Errorf("invalid instruction index in %q", qname)
	}
	if i < 0 || i >= len(b.Instructions) {
		return nil, fmt.Errorf("instruction index %d out of range in block %s", i, b.QualifiedName())
	}
	return b.Instructions[i], nil
}
