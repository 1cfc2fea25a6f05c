package model

import "time"

// Point is one structured measurement produced by the field mapper. Tags and
// fields preserve insertion order, since both the line-protocol encoding and
// the relational column mapping are order-sensitive.
type Point struct {
	Timestamp time.Time

	tagKeys   []string
	tags      map[string]string
	fieldKeys []string
	fields    map[string]any
}

func NewPoint() *Point {
	return &Point{
		tags:   map[string]string{},
		fields: map[string]any{},
	}
}

// SetTag sets a tag value. Re-setting an existing tag keeps its original
// position in the order.
func (p *Point) SetTag(name, value string) {
	if _, ok := p.tags[name]; !ok {
		p.tagKeys = append(p.tagKeys, name)
	}
	p.tags[name] = value
}

// SetField sets a field value, keeping insertion order like SetTag.
func (p *Point) SetField(name string, value any) {
	if _, ok := p.fields[name]; !ok {
		p.fieldKeys = append(p.fieldKeys, name)
	}
	p.fields[name] = value
}

func (p *Point) Tag(name string) (string, bool) {
	v, ok := p.tags[name]
	return v, ok
}

func (p *Point) Field(name string) (any, bool) {
	v, ok := p.fields[name]
	return v, ok
}

// TagKeys returns tag names in insertion order.
func (p *Point) TagKeys() []string { return p.tagKeys }

// FieldKeys returns field names in insertion order.
func (p *Point) FieldKeys() []string { return p.fieldKeys }

func (p *Point) FieldCount() int { return len(p.fieldKeys) }
