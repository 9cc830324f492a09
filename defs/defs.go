// Package defs holds the error and identifier types shared across the
// tiered-memory engine's external-facing boundary, modeled on biscuit's
// own defs.Err_t convention at the page-table/VM boundary.
package defs

// Err_t is a signed errno-style result code, mirroring biscuit's
// defs.Err_t used throughout vm/as.go. The pagetable.PageTable
// collaborator returns it from PageMoving/DMAMovePage so the executor and
// the dma-commit map can detect the invariant violations of spec §4.5/§7
// (PTE already MOVING, commit on a PTE not marked MOVING) the same way
// biscuit's vm/as.go reports its own boundary errors.
type Err_t int

const (
	EFAULT  Err_t = -1
	ENOMEM  Err_t = -2
	ENOHEAP Err_t = -3
	EINVAL  Err_t = -4
	EEXIST  Err_t = -5
	ENOENT  Err_t = -6
)

func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case ENOHEAP:
		return "ENOHEAP"
	case EINVAL:
		return "EINVAL"
	case EEXIST:
		return "EEXIST"
	case ENOENT:
		return "ENOENT"
	default:
		return "Err_t(unknown)"
	}
}

// Tid_t identifies a simulated core/thread, reusing biscuit's Tid_t name
// for the same purpose: a stable small integer handle.
type Tid_t int

// Op_t is the access kind recorded by the sampler and counted by both
// migration policies.
type Op_t int

const (
	READ Op_t = iota
	WRITE
	NOPS
)

func (o Op_t) String() string {
	switch o {
	case READ:
		return "READ"
	case WRITE:
		return "WRITE"
	default:
		return "Op_t(unknown)"
	}
}
