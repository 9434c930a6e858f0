/*
Copyright 2024 The Scitix Authors.

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
package utils

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

func JSON(c interface{}) (string, error) {
	data, err := json.Marshal(c)
	return string(data), err
}

func Yaml(c interface{}) (string, error) {
	data, err := yaml.Marshal(c)
	return string(data), err
}

// LoadFromYaml decodes a YAML or JSON file into c.
func LoadFromYaml(file string, c interface{}) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	err = yaml.Unmarshal(data, c)
	if err != nil {
		return err
	}
	return nil
}

func ParseBoolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// GetenvInt returns the integer value of key looked up through getenv.
// ok is false when the variable is unset or empty.
func GetenvInt(getenv func(string) string, key string) (val int, ok bool, err error) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err = strconv.Atoi(raw)
	if err != nil {
		return 0, true, err
	}
	return val, true, nil
}
