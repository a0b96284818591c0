// Package runtimehost implements the reference host abstraction and
// runtime descriptor the core's linker and interpreter are parameterized
// over (spec §6 "Host abstraction", "Runtime descriptor"). Neither the
// descriptor shape nor the host interface is part of the core triad —
// both are swappable by any front-end, per spec §1.
package runtimehost

import (
	"fmt"
	"hash/fnv"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	"golang.org/x/sync/singleflight"

	"github.com/aggrobird/propane/perr"
)

// LibHandle identifies an opened external library.
type LibHandle int

// Symbol identifies a resolved external call within an opened library.
type Symbol int

// Trampoline invokes one external call: ret is the callee's return-value
// scratch, params is the packed parameter area, both sized exactly to the
// call's signature (spec §4.6 "External call").
type Trampoline func(ret []byte, params []byte)

// Host is the four-and-two-method abstraction the interpreter uses for
// memory and dynamic-library access (spec §6 "Host abstraction"), kept
// independent of any one OS/loader so the core never assumes cgo or a
// particular dlopen shape.
type Host interface {
	Allocate(size int) ([]byte, error)
	Free(buf []byte)
	Protect(buf []byte) ([]byte, error)
	OpenLib(path string) (LibHandle, error)
	CloseLib(h LibHandle) error
	LoadSym(h LibHandle, name string) (Symbol, error)
}

// NativeTypeRef tags one parameter/return slot's native shape for the
// purposes of runtime-hash folding (spec §4.7): its primitive/aggregate
// tag, its size, and its pointer indirection depth.
type NativeTypeRef struct {
	Tag          uint8
	Size         int
	PointerDepth int
}

// ExternalCall is one entry of an external library's call table (spec §6
// "Runtime descriptor": "array of calls (name, return-type descriptor,
// parameters, parameters_size, trampoline, resolved_symbol?)").
type ExternalCall struct {
	Name           string
	Return         NativeTypeRef
	Parameters     []NativeTypeRef
	ParametersSize int
	Trampoline     Trampoline

	handle   LibHandle
	resolved bool
}

// ExternalLibrary is one native library the runtime may call into.
type ExternalLibrary struct {
	Path    string
	Preload bool
	Calls   []ExternalCall
}

// NativeField is one field of a NativeType (spec §6 "for each native type:
// name, size, pointer depth, field list").
type NativeField struct {
	Name   string
	Type   NativeTypeRef
	Offset int
}

// NativeType describes a host-provided type the linker resolves an
// undefined Propane type against (spec §4.4a "look up a native descriptor
// providing its size and fields").
type NativeType struct {
	Name         string
	Size         int
	PointerDepth int
	Fields       []NativeField
}

// Descriptor is the runtime's complete FFI surface: libraries, native
// types, and the derived runtime hash (spec §6). Immutable after
// construction (spec §5 "Shared state").
type Descriptor struct {
	Version      uint32 // toolchain changelist folded into the hash, spec §4.7
	Libraries    []ExternalLibrary
	NativeTypes  []NativeType
	RuntimeHash  uint64

	host    Host
	symFlight singleflight.Group
}

// NewDescriptor computes RuntimeHash from version/libraries and returns an
// immutable Descriptor backed by host for OpenLib/LoadSym resolution.
func NewDescriptor(version uint32, libs []ExternalLibrary, natives []NativeType, host Host) *Descriptor {
	d := &Descriptor{
		Version:     version,
		Libraries:   libs,
		NativeTypes: natives,
		host:        host,
	}
	d.RuntimeHash = ComputeHash(version, libs)
	return d
}

// ComputeHash folds the toolchain version and, for each external call,
// (return_type_tag, return_size, return_pointer_depth, {parameter_tag,
// size, depth}*) via FNV-1a, return type first then parameters
// left-to-right (spec §4.7; order grounded on the original
// implementation's runtime.hpp hash_combine call sequence, spec §9
// supplemented feature).
func ComputeHash(version uint32, libs []ExternalLibrary) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	putU32 := func(v uint32) {
		buf[0], buf[1], buf[2], buf[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
		h.Write(buf[:])
	}
	foldRef := func(r NativeTypeRef) {
		h.Write([]byte{r.Tag})
		putU32(uint32(r.Size))
		putU32(uint32(r.PointerDepth))
	}
	putU32(version)
	for _, lib := range libs {
		h.Write([]byte(lib.Path))
		for _, call := range lib.Calls {
			h.Write([]byte(call.Name))
			foldRef(call.Return)
			for _, p := range call.Parameters {
				foldRef(p)
			}
		}
	}
	return h.Sum64()
}

// Lookup returns the call table entry for (library path, call name), used
// by the linker's external-resolution stage (spec §4.4a).
func (d *Descriptor) Lookup(library, name string) (libIdx, callIdx int, ok bool) {
	for li, lib := range d.Libraries {
		if lib.Path != library {
			continue
		}
		for ci, call := range lib.Calls {
			if call.Name == name {
				return li, ci, true
			}
		}
	}
	return 0, 0, false
}

// LookupNativeType returns the native type descriptor named name, used by
// the linker's external-resolution stage for undefined types (spec
// §4.4a).
func (d *Descriptor) LookupNativeType(name string) (NativeType, bool) {
	for _, nt := range d.NativeTypes {
		if nt.Name == name {
			return nt, true
		}
	}
	return NativeType{}, false
}

// Resolve ensures the library backing (libIdx, callIdx) is open and its
// symbol handle cached, deduping concurrent first-resolution across
// interpreter instances sharing this Descriptor (spec §5 "[ADDED]"; the
// one place concurrency-safety matters ahead of execution). A single
// interpreter invocation never calls this concurrently with itself — §5
// keeps execution single-threaded — but a process hosting many
// interpreters against the same Descriptor can.
func (d *Descriptor) Resolve(libIdx, callIdx int) (Trampoline, error) {
	call := &d.Libraries[libIdx].Calls[callIdx]
	if call.resolved {
		return call.Trampoline, nil
	}
	key := fmt.Sprintf("%d:%d", libIdx, callIdx)
	_, err, _ := d.symFlight.Do(key, func() (any, error) {
		if call.Trampoline == nil {
			return nil, perr.New(perr.RTMExternalUnavailable, perr.SourceLoc{},
				"no trampoline registered for %s:%s", d.Libraries[libIdx].Path, call.Name)
		}
		if d.host != nil {
			h, err := d.host.OpenLib(d.Libraries[libIdx].Path)
			if err != nil {
				return nil, perr.Wrap(perr.RTMExternalUnavailable, perr.SourceLoc{}, err,
					"opening library %s", d.Libraries[libIdx].Path)
			}
			if _, err := d.host.LoadSym(h, call.Name); err != nil {
				return nil, perr.Wrap(perr.RTMExternalUnavailable, perr.SourceLoc{}, err,
					"loading symbol %s", call.Name)
			}
		}
		call.resolved = true
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return call.Trampoline, nil
}

// RegisterTrampoline attaches an in-process Go implementation for an
// external call, the only supported binding mechanism — a portable
// cgo/dlopen bridge is explicitly out of core scope (spec §1; §6 "the
// default host's OpenLib/LoadSym are stubs ... unless a descriptor-
// provided Go trampoline function is registered in-process").
func (d *Descriptor) RegisterTrampoline(library, name string, fn Trampoline) bool {
	li, ci, ok := d.Lookup(library, name)
	if !ok {
		return false
	}
	d.Libraries[li].Calls[ci].Trampoline = fn
	return true
}

// --- Default host ---

// defaultHost is the reference Host: Protect backs the assembly payload
// with a read-only mmap'd temp file (the same "parse then protect" shape
// the pack's PE-parsing teacher uses for its own read-only mapped image);
// OpenLib/LoadSym are intentionally unimplemented stubs, per spec §6.
type defaultHost struct {
	libs []LibHandle
}

// NewDefaultHost returns the in-process reference Host implementation.
func NewDefaultHost() Host { return &defaultHost{} }

func (h *defaultHost) Allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (h *defaultHost) Free(buf []byte) {}

func (h *defaultHost) Protect(buf []byte) ([]byte, error) {
	f, err := os.CreateTemp("", "propane-assembly-*")
	if err != nil {
		return nil, perr.Wrap(perr.RTMInvalidAssembly, perr.SourceLoc{}, err, "creating protected-region backing file")
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, perr.Wrap(perr.RTMInvalidAssembly, perr.SourceLoc{}, err, "writing protected-region backing file")
	}
	if err := f.Close(); err != nil {
		return nil, perr.Wrap(perr.RTMInvalidAssembly, perr.SourceLoc{}, err, "closing protected-region backing file")
	}
	ro, err := os.Open(name)
	if err != nil {
		return nil, perr.Wrap(perr.RTMInvalidAssembly, perr.SourceLoc{}, err, "reopening protected-region backing file")
	}
	defer ro.Close()
	m, err := mmap.Map(ro, mmap.RDONLY, 0)
	if err != nil {
		return nil, perr.Wrap(perr.RTMInvalidAssembly, perr.SourceLoc{}, err, "mmap protected region")
	}
	return []byte(m), nil
}

func (h *defaultHost) OpenLib(path string) (LibHandle, error) {
	return 0, perr.New(perr.RTMExternalUnavailable, perr.SourceLoc{},
		"default host cannot open native libraries; register a trampoline instead")
}

func (h *defaultHost) CloseLib(handle LibHandle) error { return nil }

func (h *defaultHost) LoadSym(handle LibHandle, name string) (Symbol, error) {
	return 0, perr.New(perr.RTMExternalUnavailable, perr.SourceLoc{},
		"default host cannot load native symbols; register a trampoline instead")
}
