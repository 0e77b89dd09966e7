// Copyright 2019 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package config

import (
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// Data is parsed configuration, keyed by fragment.
type Data map[string]interface{}

func parseData(raw []byte) (Data, error) {
	data := Data{}
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// DataFromFile reads configuration data from a YAML file.
func DataFromFile(path string) (Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, configError("failed to read %q: %v", path, err)
	}
	data, err := parseData(raw)
	if err != nil {
		return nil, configError("failed to parse %q: %v", path, err)
	}
	return data, nil
}

// DataFromObject converts a fragment (or any YAML-marshallable value)
// into configuration data.
func DataFromObject(obj interface{}) (Data, error) {
	raw, err := yaml.Marshal(obj)
	if err != nil {
		return nil, configError("failed to marshal %T: %v", obj, err)
	}
	data, err := parseData(raw)
	if err != nil {
		return nil, configError("failed to convert %T: %v", obj, err)
	}
	return data, nil
}

// take removes the data of the fragment under key and returns it. Fields
// may be given nested under the key or flat as "key.field"; a field given
// both ways is an error.
func (d Data) take(key string) (Data, error) {
	var data Data

	if obj, ok := d[key]; ok {
		delete(d, key)
		nested, err := DataFromObject(obj)
		if err != nil {
			return nil, err
		}
		data = nested
	}

	prefix := key + "."
	for k, v := range d {
		field := strings.TrimPrefix(k, prefix)
		if field == k || field == "" {
			continue
		}
		if data == nil {
			data = Data{}
		}
		if _, ok := data[field]; ok {
			return nil, configError("%q conflicts with field %q of %q", k, field, key)
		}
		data[field] = v
		delete(d, k)
	}

	return data, nil
}

// decode strictly decodes the data into the given fragment.
func (d Data) decode(f Fragment) error {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(raw, f)
}
