// Copyright 2025 The Storefeed Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

// Delta holds details of a change to the catalog.
type Delta struct {
	// If Removed is true, the entity has been removed from the
	// catalog; otherwise it has been created or changed.
	Removed bool `json:"removed"`
	// Entity holds data about the entity that has changed.
	Entity EntityInfo `json:"entity"`
}

// MarshalJSON implements json.Marshaler. The receiver is a value so
// that Deltas held in struct fields marshal in the array form too.
func (d Delta) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(d.Entity)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	c := "change"
	if d.Removed {
		c = "remove"
	}
	fmt.Fprintf(&buf, "%q,%q,", d.Entity.EntityId().Kind, c)
	buf.Write(b)
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Delta) UnmarshalJSON(data []byte) error {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return err
	}
	if len(elements) != 3 {
		return errors.Errorf(
			"expected 3 elements in top-level of JSON but got %d",
			len(elements))
	}
	var entityKind, operation string
	if err := json.Unmarshal(elements[0], &entityKind); err != nil {
		return err
	}
	if err := json.Unmarshal(elements[1], &operation); err != nil {
		return err
	}
	if operation == "remove" {
		d.Removed = true
	} else if operation != "change" {
		return errors.Errorf("unexpected operation %q", operation)
	}
	switch entityKind {
	case ProductKind:
		d.Entity = new(Product)
	case TicketKind:
		d.Entity = new(Ticket)
	default:
		return errors.Errorf("unexpected entity kind %q", entityKind)
	}
	return json.Unmarshal(elements[2], &d.Entity)
}
