// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package proto

import "strings"

const (
	ReqIdKey = "req-id"

	PrincipalTenantWildcard = "tenant:*"

	principalUserPrefix = "user:"
	principalRolePrefix = "role:"
)

type (
	TypeID     = uint32
	FieldID    = uint32
	EdgeTypeID = uint32
)

// ValidPrincipal reports whether p is one of user:<id>, role:<id> or tenant:*.
func ValidPrincipal(p string) bool {
	if p == PrincipalTenantWildcard {
		return true
	}
	if strings.HasPrefix(p, principalUserPrefix) && len(p) > len(principalUserPrefix) {
		return true
	}
	if strings.HasPrefix(p, principalRolePrefix) && len(p) > len(principalRolePrefix) {
		return true
	}
	return false
}
