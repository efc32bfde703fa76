/*
 *
 * gopuppet - a puppeteer-style browser automation library for Go
 * Copyright (C) 2022 The gopuppet authors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

// multimap maps a key to an ordered list of values. Values for the same
// key come back out in insertion order, which is what pairs concurrent
// identical requests with their interception events correctly.
type multimap[K comparable, V comparable] struct {
	entries map[K][]V
}

func newMultimap[K comparable, V comparable]() *multimap[K, V] {
	return &multimap[K, V]{
		entries: make(map[K][]V),
	}
}

func (m *multimap[K, V]) set(key K, value V) {
	m.entries[key] = append(m.entries[key], value)
}

func (m *multimap[K, V]) get(key K) []V {
	return m.entries[key]
}

func (m *multimap[K, V]) has(key K) bool {
	return len(m.entries[key]) > 0
}

func (m *multimap[K, V]) hasValue(key K, value V) bool {
	for _, v := range m.entries[key] {
		if v == value {
			return true
		}
	}
	return false
}

// firstValue returns the oldest value stored under key.
func (m *multimap[K, V]) firstValue(key K) (V, bool) {
	vs := m.entries[key]
	if len(vs) == 0 {
		var zero V
		return zero, false
	}
	return vs[0], true
}

// delete removes the first occurrence of value under key.
func (m *multimap[K, V]) delete(key K, value V) bool {
	vs := m.entries[key]
	for i, v := range vs {
		if v == value {
			vs = append(vs[:i], vs[i+1:]...)
			if len(vs) == 0 {
				delete(m.entries, key)
			} else {
				m.entries[key] = vs
			}
			return true
		}
	}
	return false
}

func (m *multimap[K, V]) deleteAll(key K) {
	delete(m.entries, key)
}

func (m *multimap[K, V]) size() int {
	n := 0
	for _, vs := range m.entries {
		n += len(vs)
	}
	return n
}

func (m *multimap[K, V]) clear() {
	m.entries = make(map[K][]V)
}
