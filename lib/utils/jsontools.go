/*
Copyright 2024 Bastion Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package utils provides small helpers shared across the gateway codebase.
package utils

import (
	"github.com/gravitational/trace"
	jsoniter "github.com/json-iterator/go"
)

var fastConfig = jsoniter.ConfigCompatibleWithStandardLibrary

// FastMarshal marshals v to JSON using json-iterator. It is used on the
// store read/write hot path where encoding/json reflection costs add up.
func FastMarshal(v any) ([]byte, error) {
	data, err := fastConfig.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return data, nil
}

// FastUnmarshal unmarshals JSON data into v using json-iterator.
func FastUnmarshal(data []byte, v any) error {
	if err := fastConfig.Unmarshal(data, v); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
