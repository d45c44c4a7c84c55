package uia2

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/devicelab-dev/screenpulse/pkg/core"
)

// parseHierarchy turns the server's page-source XML into a UI element
// tree. Two dump formats exist in the wild: uiautomator dumps use the
// widget class as the element tag, appium-style dumps use <node> with a
// class attribute. Both are handled.
func parseHierarchy(xmlData string) (*core.UIElement, error) {
	decoder := xml.NewDecoder(strings.NewReader(xmlData))

	var parseElement func(start xml.StartElement) (*core.UIElement, error)
	parseElement = func(start xml.StartElement) (*core.UIElement, error) {
		elem := &core.UIElement{Class: start.Name.Local}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "text":
				elem.Text = attr.Value
			case "class":
				elem.Class = attr.Value
			case "bounds":
				elem.Bounds = parseBounds(attr.Value)
			case "index", "rotation":
				// layout bookkeeping, not an observable attribute
			default:
				if elem.Attributes == nil {
					elem.Attributes = make(map[string]string)
				}
				elem.Attributes[attr.Name.Local] = attr.Value
			}
		}

		for {
			token, err := decoder.Token()
			if err != nil {
				return nil, err
			}
			switch t := token.(type) {
			case xml.StartElement:
				child, err := parseElement(t)
				if err != nil {
					return nil, err
				}
				elem.Children = append(elem.Children, child)
			case xml.EndElement:
				return elem, nil
			}
		}
	}

	var roots []*core.UIElement
	foundHierarchy := false
	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse page source: %w", err)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		if start.Name.Local == "hierarchy" {
			foundHierarchy = true
			continue
		}
		elem, err := parseElement(start)
		if err != nil {
			return nil, fmt.Errorf("parse page source: %w", err)
		}
		roots = append(roots, elem)
	}

	if !foundHierarchy {
		return nil, fmt.Errorf("invalid page source: no hierarchy element")
	}
	switch len(roots) {
	case 0:
		return nil, fmt.Errorf("invalid page source: empty hierarchy")
	case 1:
		return roots[0], nil
	default:
		// Multiple windows (e.g. a dialog over the app) become children
		// of a synthetic root so FindMatch sees all of them.
		return &core.UIElement{Class: "hierarchy", Children: roots}, nil
	}
}

// parseBounds reads the Android bounds format "[x1,y1][x2,y2]".
func parseBounds(s string) core.Bounds {
	s = strings.ReplaceAll(s, "][", ",")
	s = strings.Trim(s, "[]")
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return core.Bounds{}
	}
	x1, _ := strconv.Atoi(parts[0])
	y1, _ := strconv.Atoi(parts[1])
	x2, _ := strconv.Atoi(parts[2])
	y2, _ := strconv.Atoi(parts[3])
	return core.Bounds{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}
