// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package test

import "fmt"

// UUIDGenerator replaces the random UUID source in unit tests, to provide
// deterministic behavior. The generated sequence starts at
// "00000000-0000-0000-0000-000000000001" and counts up from there.
type UUIDGenerator uint64

// Next returns the next UUID in the sequence. This method can be used as a
// func() string callback.
func (g *UUIDGenerator) Next() string {
	*g++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", uint64(*g))
}
