/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * Licensed under the Apache License, Version 2.0.
 */

package domain

import "sort"

// Edition is a publication variant with a declared page count.
type Edition struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Pages int    `json:"pages" yaml:"pages"`
}

// Catalog maps edition ids to display metadata. It is read-only for the store.
type Catalog interface {
	Lookup(id string) (Edition, bool)
	All() []Edition
}

// StaticCatalog is an in-memory Catalog, typically loaded from config.
// An empty catalog accepts any edition id.
type StaticCatalog struct {
	byID map[string]Edition
}

func NewStaticCatalog(eds ...Edition) *StaticCatalog {
	c := &StaticCatalog{byID: make(map[string]Edition, len(eds))}
	for _, e := range eds {
		if e.ID == "" {
			continue
		}
		c.byID[e.ID] = e
	}
	return c
}

func (c *StaticCatalog) Lookup(id string) (Edition, bool) {
	if c == nil {
		return Edition{}, false
	}
	e, ok := c.byID[id]
	return e, ok
}

// All returns editions sorted by id.
func (c *StaticCatalog) All() []Edition {
	if c == nil {
		return nil
	}
	out := make([]Edition, 0, len(c.byID))
	for _, e := range c.byID {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports the number of editions.
func (c *StaticCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byID)
}
