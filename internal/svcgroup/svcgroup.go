// Package svcgroup parses and formats the service.group[@organization]
// identity used as the secondary key of service-related rumors.
package svcgroup

import (
	"fmt"
	"strings"
)

// ID is a (service, group, organization?) triple.
type ID struct {
	Service string
	Group   string
	Org     string // empty when no organization was given
}

// String returns the canonical form: "service.group" or "service.group@org".
func (id ID) String() string {
	if id.Org == "" {
		return id.Service + "." + id.Group
	}
	return fmt.Sprintf("%s.%s@%s", id.Service, id.Group, id.Org)
}

// Parse parses "service.group" or "service.group@organization".
//
// A missing group ("foo"), or an "@" with nothing after it ("foo.bar@"), is
// rejected: both the service and the group are required, and an explicit "@"
// commits to supplying an organization name.
func Parse(s string) (ID, error) {
	name, org, hasOrg := strings.Cut(s, "@")
	if hasOrg && org == "" {
		return ID{}, fmt.Errorf("svcgroup: empty organization in %q", s)
	}

	service, group, hasGroup := strings.Cut(name, ".")
	if !hasGroup || service == "" || group == "" {
		return ID{}, fmt.Errorf("svcgroup: %q is not service.group[@organization]", s)
	}
	if strings.Contains(group, ".") {
		return ID{}, fmt.Errorf("svcgroup: %q has more than one '.'", s)
	}

	return ID{Service: service, Group: group, Org: org}, nil
}
