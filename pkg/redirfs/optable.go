package redirfs

// OpTable counts, per object type and operation, how many filters of a chain
// want the operation intercepted.
type OpTable struct {
	count [numTypes][numOps]int32
}

func (t *OpTable) inc(typ ObjectType, op OpID) {
	t.count[typ][op]++
}

func (t *OpTable) Count(typ ObjectType, op OpID) int {
	if typ >= numTypes || op >= numOps {
		return 0
	}
	return int(t.count[typ][op])
}

// Interested reports whether at least one filter wants op on typ.
func (t *OpTable) Interested(typ ObjectType, op OpID) bool {
	return t.Count(typ, op) > 0
}

// mask returns the operations of ops some filter wants for typ.
func (t *OpTable) mask(typ ObjectType, ops []OpID) opMask {
	var m opMask
	for _, op := range ops {
		if t.count[typ][op] > 0 {
			m |= bit(op)
		}
	}
	return m
}
