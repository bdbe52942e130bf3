/*
Copyright Divvy Contributors. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"encoding/json"
	"strconv"

	"github.com/divvy/fabric-gateway/pkg/common/errors/status"
	"github.com/divvy/fabric-gateway/pkg/query"
	"github.com/spf13/cast"
)

// parseArgs reads the -a value: a JSON array, or a JSON object keyed by
// argument position. Scalars become their text; objects and arrays are
// passed as JSON.
func parseArgs(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, status.Wrap(status.GatewayStatus, status.InvalidArgument, err, "arguments must be a JSON array")
	}

	switch v := v.(type) {
	case []interface{}:
		args := make([]string, len(v))
		for i, a := range v {
			s, err := argString(a)
			if err != nil {
				return nil, err
			}
			args[i] = s
		}
		return args, nil
	case map[string]interface{}:
		positions := make(map[int]string, len(v))
		for k, a := range v {
			pos, err := strconv.Atoi(k)
			if err != nil {
				return nil, status.Newf(status.GatewayStatus, status.InvalidArgument, "argument position %q is not a number", k)
			}
			s, err := argString(a)
			if err != nil {
				return nil, err
			}
			positions[pos] = s
		}
		return query.ArgsFromPositions(positions)
	default:
		return nil, status.New(status.GatewayStatus, status.InvalidArgument, "arguments must be a JSON array")
	}
}

func argString(a interface{}) (string, error) {
	switch a.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(a)
		if err != nil {
			return "", status.Wrap(status.GatewayStatus, status.InvalidArgument, err, "invalid argument")
		}
		return string(b), nil
	}
	s, err := cast.ToStringE(a)
	if err != nil {
		return "", status.Wrap(status.GatewayStatus, status.InvalidArgument, err, "invalid argument")
	}
	return s, nil
}
