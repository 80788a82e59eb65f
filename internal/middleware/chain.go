// Package middleware composes the gateway's request pipeline from named
// stages whose context dependencies are checked when the chain is built.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

// Stage is one step of the request pipeline. Requires and Provides name the
// request-context fields a stage reads and sets.
type Stage struct {
	Name     string
	Requires []string
	Provides []string
	Wrap     func(http.Handler) http.Handler
}

// Chain is an ordered list of stages. The first stage added is the
// outermost handler.
type Chain struct {
	stages []Stage
}

// New creates a chain from stages in order.
func New(stages ...Stage) *Chain {
	return &Chain{stages: append([]Stage(nil), stages...)}
}

// Add appends a stage and returns the chain.
func (c *Chain) Add(stage Stage) *Chain {
	c.stages = append(c.stages, stage)
	return c
}

// Names returns stage names in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name
	}
	return names
}

// Validate checks that stage names are unique, that every stage has a Wrap
// function, and that every required field is provided by an earlier stage.
func (c *Chain) Validate() error {
	seen := make(map[string]bool, len(c.stages))
	provided := make(map[string]bool)
	for i, s := range c.stages {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if s.Wrap == nil {
			return fmt.Errorf("stage %q has no handler", s.Name)
		}

		var missing []string
		for _, field := range s.Requires {
			if !provided[field] {
				missing = append(missing, field)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("stage %q requires %s, which no earlier stage provides",
				s.Name, strings.Join(missing, ", "))
		}
		for _, field := range s.Provides {
			provided[field] = true
		}
	}
	return nil
}

// Build validates the chain and returns a function wrapping a handler with
// every stage.
func (c *Chain) Build() (func(http.Handler) http.Handler, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	stages := append([]Stage(nil), c.stages...)
	return func(h http.Handler) http.Handler {
		for i := len(stages) - 1; i >= 0; i-- {
			h = stages[i].Wrap(h)
		}
		return h
	}, nil
}

// Then builds the chain around h.
func (c *Chain) Then(h http.Handler) (http.Handler, error) {
	wrap, err := c.Build()
	if err != nil {
		return nil, err
	}
	return wrap(h), nil
}
