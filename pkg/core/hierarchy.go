package core

// UIElement represents a node in the device's UI hierarchy.
type UIElement struct {
	Class      string            `json:"class,omitempty"`
	Text       string            `json:"text,omitempty"`
	Bounds     Bounds            `json:"bounds"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Children   []*UIElement      `json:"children,omitempty"`
}

// Bounds represents element position and size
type Bounds struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the center point of the bounds
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Contains checks if a point is within the bounds
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X && x < b.X+b.Width && y >= b.Y && y < b.Y+b.Height
}

// Attribute looks up an observable attribute of the element. The class
// and text fields are exposed under the "class" and "text" keys unless
// the attribute map overrides them.
func (e *UIElement) Attribute(key string) (string, bool) {
	if v, ok := e.Attributes[key]; ok {
		return v, true
	}
	switch key {
	case "text":
		return e.Text, e.Text != ""
	case "class":
		return e.Class, e.Class != ""
	}
	return "", false
}

// Matches reports whether every expected key/value pair matches one of the
// element's observable attributes exactly. Extra attributes on the element
// are ignored.
func (e *UIElement) Matches(expect map[string]string) bool {
	if len(expect) == 0 {
		return false
	}
	for key, want := range expect {
		got, ok := e.Attribute(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// FindMatch searches the subtree rooted at e, depth-first, for the first
// element matching the expected attributes. Returns nil when no element
// matches.
func (e *UIElement) FindMatch(expect map[string]string) *UIElement {
	if e == nil {
		return nil
	}
	if e.Matches(expect) {
		return e
	}
	for _, child := range e.Children {
		if found := child.FindMatch(expect); found != nil {
			return found
		}
	}
	return nil
}

// Count returns the number of elements in the subtree rooted at e.
func (e *UIElement) Count() int {
	if e == nil {
		return 0
	}
	n := 1
	for _, child := range e.Children {
		n += child.Count()
	}
	return n
}
