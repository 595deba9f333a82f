// Package ofx reads and writes OFX documents as a tree of elements.
//
// Both OFX 1.x tag-soup SGML and OFX 2.x XML produce the same tree. Leaves hold text, aggregates hold children.
package ofx

// Element is a node of an OFX document
type Element struct {
	Name     string
	Value    string
	Children []*Element
}

// Document is a parsed or built OFX document
type Document struct {
	Header Header
	Root   *Element
}

// Leaf returns an element holding a value
func Leaf(name, value string) *Element {
	return &Element{Name: name, Value: value}
}

// Agg returns an aggregate of children. Nil children are skipped, so optional elements can be inlined.
func Agg(name string, children ...*Element) *Element {
	el := &Element{Name: name}
	return el.Add(children...)
}

// OptionalLeaf returns a leaf if value is not empty, otherwise nil
func OptionalLeaf(name, value string) *Element {
	if value == "" {
		return nil
	}
	return Leaf(name, value)
}

// Add appends non-nil children and returns e
func (e *Element) Add(children ...*Element) *Element {
	for _, child := range children {
		if child != nil {
			e.Children = append(e.Children, child)
		}
	}
	return e
}

// Child returns the first direct child named name
func (e *Element) Child(name string) *Element {
	if e == nil {
		return nil
	}
	for _, child := range e.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

// All returns every direct child named name, in document order
func (e *Element) All(name string) []*Element {
	if e == nil {
		return nil
	}
	var matches []*Element
	for _, child := range e.Children {
		if child.Name == name {
			matches = append(matches, child)
		}
	}
	return matches
}

// Find follows path through direct children, returning nil if any step is missing
func (e *Element) Find(path ...string) *Element {
	for _, name := range path {
		e = e.Child(name)
	}
	return e
}

// Text returns the value at path, or an empty string
func (e *Element) Text(path ...string) string {
	if el := e.Find(path...); el != nil {
		return el.Value
	}
	return ""
}

// Search returns the first descendant named name, depth first
func (e *Element) Search(name string) *Element {
	if e == nil {
		return nil
	}
	for _, child := range e.Children {
		if child.Name == name {
			return child
		}
		if found := child.Search(name); found != nil {
			return found
		}
	}
	return nil
}

// SearchAll returns every descendant named name, depth first. Matches are not searched for nested matches.
func (e *Element) SearchAll(name string) []*Element {
	if e == nil {
		return nil
	}
	var matches []*Element
	for _, child := range e.Children {
		if child.Name == name {
			matches = append(matches, child)
		} else {
			matches = append(matches, child.SearchAll(name)...)
		}
	}
	return matches
}
