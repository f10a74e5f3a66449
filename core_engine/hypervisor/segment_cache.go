package hypervisor

// SegmentCache is the hidden part of a segment register that the
// processor refills from the descriptor table whenever a selector is
// loaded.
type SegmentCache struct {
	Selector Selector
	Base     uint32
	Limit    uint32
	Type     uint8
	Present  bool
	DPL      PrivilegeLevel
	DB       bool
	S        bool
	G        bool
}

// LoadSegment performs the descriptor fetch of a segment-register load:
// it dereferences sel through g and returns the resulting cache. The
// processor sets the accessed bit on load, so Type always has it set.
func LoadSegment(g *GDT, sel Selector) (SegmentCache, error) {
	d, err := g.Lookup(sel)
	if err != nil {
		return SegmentCache{}, err
	}
	return segmentCache(sel, d)
}

// LoadSegmentFromTable is LoadSegment for a table image read back from
// guest memory, bounded by the GDTR limit.
func LoadSegmentFromTable(table []byte, limit uint16, sel Selector) (SegmentCache, error) {
	if sel.Local() || sel.IsNull() {
		return SegmentCache{}, &Error{Module: "segment", Message: "selector cannot be loaded: " + sel.String()}
	}
	off := int(sel.Index()) * DescriptorSize
	if off+DescriptorSize-1 > int(limit) || off+DescriptorSize > len(table) {
		return SegmentCache{}, &Error{Module: "segment", Message: "selector beyond table limit: " + sel.String()}
	}
	var d Descriptor
	copy(d[:], table[off:])
	return segmentCache(sel, d)
}

func segmentCache(sel Selector, d Descriptor) (SegmentCache, error) {
	f := DecodeSegment(d)
	if !f.Present {
		return SegmentCache{}, &Error{Module: "segment", Message: "segment not present: " + sel.String()}
	}
	return SegmentCache{
		Selector: sel,
		Base:     f.Base,
		Limit:    f.Limit,
		Type:     f.Type() | AccessAccessed,
		Present:  true,
		DPL:      f.DPL,
		DB:       f.Size32,
		S:        f.Access&AccessDescriptor != 0,
		G:        f.PageGranular,
	}, nil
}
