package pipeline

import (
	"fmt"

	"github.com/seantiz/pipetrigger/internal/model"
	"github.com/seantiz/pipetrigger/internal/platform"
)

// Binding is a named data location a step reads or writes.
type Binding interface {
	BindingName() string
	Datastore() model.DatastoreRef
	jobBinding(kind string) platform.JobBinding
}

// DataReference points at existing data on a datastore. It is never written.
type DataReference struct {
	Name            string
	Store           model.DatastoreRef
	PathOnDatastore string
}

// BindingName implements Binding.
func (d DataReference) BindingName() string { return d.Name }

// Datastore implements Binding.
func (d DataReference) Datastore() model.DatastoreRef { return d.Store }

func (d DataReference) jobBinding(kind string) platform.JobBinding {
	return platform.JobBinding{Kind: kind, Name: d.Name, Datastore: d.Store.Name, Path: d.PathOnDatastore}
}

func (d DataReference) String() string {
	return fmt.Sprintf("%s(%s:%s)", d.Name, d.Store.Name, d.PathOnDatastore)
}

// PipelineData is an intermediate artifact written by exactly one step of a
// pipeline and readable by later steps.
type PipelineData struct {
	Name  string
	Store model.DatastoreRef
}

// BindingName implements Binding.
func (d PipelineData) BindingName() string { return d.Name }

// Datastore implements Binding.
func (d PipelineData) Datastore() model.DatastoreRef { return d.Store }

func (d PipelineData) jobBinding(kind string) platform.JobBinding {
	return platform.JobBinding{Kind: kind, Name: d.Name, Datastore: d.Store.Name}
}

func (d PipelineData) String() string {
	return fmt.Sprintf("%s(%s)", d.Name, d.Store.Name)
}

// Arg is one command-line argument of a step: a literal string or a
// placeholder for a binding.
type Arg struct {
	literal string
	ref     Binding
}

// Lit returns a literal argument.
func Lit(s string) Arg { return Arg{literal: s} }

// Ref returns a placeholder argument for b.
func Ref(b Binding) Arg { return Arg{ref: b} }

// Binding returns the referenced binding of a placeholder argument.
func (a Arg) Binding() (Binding, bool) { return a.ref, a.ref != nil }

// Literal returns the value of a literal argument.
func (a Arg) Literal() (string, bool) { return a.literal, a.ref == nil }

func (a Arg) String() string {
	if a.ref != nil {
		return "{" + a.ref.BindingName() + "}"
	}
	return a.literal
}
