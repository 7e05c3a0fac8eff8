package dsb

// overlayEdit is one key's staged, not-yet-committed mutation.
type overlayEdit struct {
	payload []byte
	deleted bool
}

// Overlay stages a single transaction's own writes and deletes against an
// AccessManager without mutating it. Get falls through to the AccessManager
// for any key this transaction hasn't itself touched yet, so later ops in
// the same transaction see earlier ones' pending writes (spec.md §4.4's
// read-your-own-writes) while every other transaction still sees only the
// AccessManager's last committed image. Apply flushes every staged edit
// into the AccessManager once the transaction's outcome is known to be
// commit; an aborting transaction simply drops its Overlay, leaving the
// AccessManager exactly as it was before the transaction started. The zero
// value is an empty overlay, ready to use.
type Overlay struct {
	edits map[Key]overlayEdit
}

// Get returns this transaction's own view of key: its own pending edit if
// any, falling through to am's last committed value otherwise.
func (o *Overlay) Get(am *AccessManager, key Key) (row []byte, deleted bool, ok bool) {
	if e, found := o.edits[key]; found {
		return e.payload, e.deleted, true
	}
	row, ok = am.Get(key)
	return row, false, ok
}

// Put stages value as key's post-image for this transaction, visible to its
// own later reads via Get but not to any other transaction until Apply.
func (o *Overlay) Put(key Key, value []byte) {
	if o.edits == nil {
		o.edits = make(map[Key]overlayEdit)
	}
	o.edits[key] = overlayEdit{payload: append([]byte(nil), value...)}
}

// Delete stages key's removal for this transaction.
func (o *Overlay) Delete(key Key) {
	if o.edits == nil {
		o.edits = make(map[Key]overlayEdit)
	}
	o.edits[key] = overlayEdit{deleted: true}
}

// Apply flushes every staged edit into am. Call once, from the commit path,
// after the transaction's outcome is known to be commit.
func (o *Overlay) Apply(am *AccessManager) {
	for key, e := range o.edits {
		if e.deleted {
			am.Delete(key)
		} else {
			am.Put(key, e.payload)
		}
	}
}
