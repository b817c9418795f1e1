package grounding

import (
	"fmt"
	"strconv"
)

// NormBox is a box on the model's 0-999 grid.
type NormBox [4]float64

// literal is a parsed coordinate value: a number or a list.
type literal struct {
	num   float64
	list  []literal
	isNum bool
}

// ParseCoords parses a coordinate literal: either one box "[x1,y1,x2,y2]" or a
// list of boxes "[[x1,y1,x2,y2], ...]". Anything else is an error.
func ParseCoords(src string) ([]NormBox, error) {
	p := &coordParser{src: src}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input")
	}

	if v.isNum {
		return nil, fmt.Errorf("expected a list, got a number")
	}
	if box, ok := asBox(v); ok {
		return []NormBox{box}, nil
	}
	if len(v.list) == 0 {
		return nil, fmt.Errorf("empty coordinate list")
	}
	boxes := make([]NormBox, 0, len(v.list))
	for i, item := range v.list {
		box, ok := asBox(item)
		if !ok {
			return nil, fmt.Errorf("box %d is not a list of 4 numbers", i)
		}
		boxes = append(boxes, box)
	}
	return boxes, nil
}

func asBox(v literal) (NormBox, bool) {
	var box NormBox
	if v.isNum || len(v.list) != 4 {
		return box, false
	}
	for i, item := range v.list {
		if !item.isNum {
			return box, false
		}
		box[i] = item.num
	}
	return box, true
}

type coordParser struct {
	src   string
	pos   int
	depth int
}

const maxNesting = 4

func (p *coordParser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("offset %d: %s", p.pos, fmt.Sprintf(format, args...))
}

func (p *coordParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *coordParser) value() (literal, error) {
	if p.pos >= len(p.src) {
		return literal{}, p.errorf("unexpected end of input")
	}
	if p.src[p.pos] == '[' {
		return p.list()
	}
	return p.number()
}

func (p *coordParser) list() (literal, error) {
	p.depth++
	if p.depth > maxNesting {
		return literal{}, p.errorf("nesting too deep")
	}
	defer func() { p.depth-- }()

	p.pos++ // '['
	var items []literal
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			return literal{}, p.errorf("unterminated list")
		}
		if p.src[p.pos] == ']' {
			p.pos++
			return literal{list: items}, nil
		}

		item, err := p.value()
		if err != nil {
			return literal{}, err
		}
		items = append(items, item)

		p.skipSpace()
		if p.pos >= len(p.src) {
			return literal{}, p.errorf("unterminated list")
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return literal{list: items}, nil
		default:
			return literal{}, p.errorf("unexpected %q in list", p.src[p.pos])
		}
	}
}

func (p *coordParser) number() (literal, error) {
	start := p.pos
	if p.pos < len(p.src) && (p.src[p.pos] == '-' || p.src[p.pos] == '+') {
		p.pos++
	}
	digits := 0
	for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
		p.pos++
		digits++
	}
	if p.pos < len(p.src) && p.src[p.pos] == '.' {
		p.pos++
		for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			p.pos++
			digits++
		}
	}
	if digits == 0 {
		p.pos = start
		return literal{}, p.errorf("expected number")
	}

	n, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return literal{}, p.errorf("bad number %q", p.src[start:p.pos])
	}
	return literal{num: n, isNum: true}, nil
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
