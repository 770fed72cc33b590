// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type jsonShape struct {
	DType string `json:"dtype"`
	Dims  []Dim  `json:"dims"`
}

// MarshalJSON implements json.Marshaler. The dtype is encoded by name.
func (s Shape) MarshalJSON() ([]byte, error) {
	dims := s.Dims
	if dims == nil {
		dims = []Dim{}
	}
	return json.Marshal(jsonShape{DType: s.DType.String(), Dims: dims})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Shape) UnmarshalJSON(data []byte) error {
	var js jsonShape
	if err := json.Unmarshal(data, &js); err != nil {
		return err
	}
	dtype, err := ParseDType(js.DType)
	if err != nil {
		return err
	}
	for axis, d := range js.Dims {
		if err := d.Check(); err != nil {
			return errors.WithMessagef(err, "axis %d", axis)
		}
	}
	s.DType = dtype
	s.Dims = js.Dims
	return nil
}
