// Copyright 2025 Shoal Search, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shoal

import "encoding/json"

// Serializer converts values to and from wire bytes. The transport uses
// it for discovery responses, the bulk and scroll packages for request
// bodies and per-item results. Implementations must be safe for
// concurrent use.
type Serializer interface {
	Dumps(v any) ([]byte, error)
	Loads(data []byte, v any) error
}

// JSONSerializer is the default Serializer, backed by encoding/json.
type JSONSerializer struct{}

var _ Serializer = JSONSerializer{}

// Dumps implements Serializer. Failures are reported as
// *SerializationError.
func (JSONSerializer) Dumps(v any) ([]byte, error) {
	// Raw bytes and strings pass through untouched so callers can feed
	// pre-serialized documents (bulk payload lines) without a double
	// encoding round trip.
	switch data := v.(type) {
	case []byte:
		return data, nil
	case json.RawMessage:
		return data, nil
	case string:
		return []byte(data), nil
	}
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return buf, nil
}

// Loads implements Serializer. Failures are reported as
// *SerializationError.
func (JSONSerializer) Loads(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &SerializationError{Err: err}
	}
	return nil
}
