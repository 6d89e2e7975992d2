package ipet

import (
	"github.com/tanneberger/platin/model"
)

// Test helpers for building small program models by hand. Functions are
// described block by block; callees are wired afterwards through the
// resolved function pointers.

type insnSpec struct {
	opcode string
	marker string
	call   bool
}

type blockSpec struct {
	name      string
	succs     []string
	mayReturn bool
	loops     []string
	insns     []insnSpec
}

func makeFunction(name string, level model.Level, loopHeaders []string, blocks ...blockSpec) *model.Function {
	fn := &model.Function{Name: name, Level: level}
	byName := make(map[string]*model.Block)
	for _, bs := range blocks {
		b := &model.Block{Name: bs.name, MayReturn: bs.mayReturn}
		for _, is := range bs.insns {
			b.Instructions = append(b.Instructions, &model.Instruction{
				Opcode: is.opcode,
				Marker: is.marker,
				IsCall: is.call,
			})
		}
		byName[b.Name] = b
		fn.Blocks = append(fn.Blocks, b)
	}
	for i, bs := range blocks {
		for _, s := range bs.succs {
			fn.Blocks[i].Successors = append(fn.Blocks[i].Successors, byName[s])
		}
	}
	for _, h := range loopHeaders {
		fn.Loops = append(fn.Loops, &model.Loop{Header: byName[h]})
	}
	for i, bs := range blocks {
		for _, h := range bs.loops {
			fn.Blocks[i].Loops = append(fn.Blocks[i].Loops, fn.LoopByHeader(h))
		}
	}
	fn.Finalize()
	return fn
}

func makeProgram(machine ...*model.Function) *model.Program {
	p := &model.Program{MachineFunctions: machine}
	p.Index()
	return p
}

// leafFunction builds a function with a single returning block.
func leafFunction(name string) *model.Function {
	return makeFunction(name, model.LevelMachine, nil,
		blockSpec{name: "entry", mayReturn: true})
}

func constraintByName(p *Problem, name string) (Constraint, bool) {
	for _, c := range p.Constraints() {
		if c.Name == name {
			return c, true
		}
	}
	return Constraint{}, false
}

func termCoeff(c Constraint, id EdgeID) int64 {
	var sum int64
	for _, t := range c.Terms {
		if t.Var == id {
			sum += t.Coeff
		}
	}
	return sum
}

func factScope(fn *model.Function) model.Scope {
	return model.Scope{Point: fn}
}
