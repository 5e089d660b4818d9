// The MIT License
//
// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package internal

import (
	"encoding/json"
)

// Args is the structured, JSON-compatible call payload whose Fingerprint is recorded on
// ACTIVITY_SCHEDULED events. It mirrors the {args, kwargs} shape from §6.5.
type Args struct {
	Args   []interface{}          `json:"args"`
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`
}

// Fingerprint canonicalises a call's arguments as JSON with object keys sorted, per §6.5:
// json.dumps({args, kwargs}, sort_keys=True). encoding/json already sorts map keys when
// marshaling, so canonicalization only has to normalize through a generic interface{} tree
// first -- this also makes structurally-equal values compare equal regardless of the
// concrete Go type used to produce them (e.g. a []string vs a re-decoded []interface{}).
func Fingerprint(a Args) (string, error) {
	canon, err := canonicalize(a)
	if err != nil {
		return "", err
	}
	buf, err := json.Marshal(canon)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// canonicalize round-trips v through JSON so maps, slices, and struct fields are normalized
// to the same interface{} shape the fingerprint comparison operates on.
func canonicalize(v interface{}) (interface{}, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, err
	}
	return out, nil
}
