// Package node models one cluster node: the roles it currently holds and,
// for hourly-billed machines, its lease window.
//
// A node always holds at least one role. With nothing assigned it holds the
// sentinel role "open", which marks it idle and claimable.
package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// BillingPeriod is how far Extend pushes a lease.
const BillingPeriod = time.Hour

// Role names a class of work a node performs.
type Role string

const (
	RoleOpen        Role = "open"
	RoleShadow      Role = "shadow"
	RoleQueueMaster Role = "queue-master"
	RoleQueueSlave  Role = "queue-slave"
	RoleCompute     Role = "compute"
)

// KnownRoles lists the roles this system assigns itself. Records read from
// the table may carry others.
func KnownRoles() []Role {
	return []Role{RoleOpen, RoleShadow, RoleQueueMaster, RoleQueueSlave, RoleCompute}
}

var (
	ErrInvalidRecord = errors.New("invalid node record")
	ErrInvalidRole   = errors.New("invalid role")
	ErrNotMetered    = errors.New("node has no lease")
	ErrInvalidLease  = errors.New("invalid lease")
)

// ParseRole validates a role name. Roles are stored in a colon-delimited
// record, so they may not contain ':' or whitespace.
func ParseRole(s string) (Role, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, ": \t\n") {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return Role(s), nil
}

// ParseRoles validates a list of role names, splitting comma-separated
// entries.
func ParseRoles(names ...string) ([]Role, error) {
	var out []Role
	for _, n := range names {
		for _, part := range strings.Split(n, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			r, err := ParseRole(part)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

// Record is one node's entry in the cluster node table.
type Record struct {
	PublicIP   string
	PrivateIP  string
	InstanceID string
	CloudTag   string

	// Lease window, set only for metered nodes.
	CreationTime    *time.Time
	DestructionTime *time.Time

	roles map[Role]struct{}
}

// New returns a record holding roles, or "open" when none are given.
func New(publicIP, privateIP, instanceID, cloudTag string, roles ...Role) *Record {
	r := &Record{
		PublicIP:   publicIP,
		PrivateIP:  privateIP,
		InstanceID: instanceID,
		CloudTag:   cloudTag,
		roles:      make(map[Role]struct{}),
	}
	for _, role := range roles {
		r.roles[role] = struct{}{}
	}
	r.normalize()
	return r
}

// normalize restores the open-sentinel invariant.
func (r *Record) normalize() {
	if r.roles == nil {
		r.roles = make(map[Role]struct{})
	}
	if len(r.roles) > 1 {
		delete(r.roles, RoleOpen)
	}
	if len(r.roles) == 0 {
		r.roles[RoleOpen] = struct{}{}
	}
}

// Validate checks that every field can be stored in the colon format.
func (r *Record) Validate() error {
	if r.PublicIP == "" {
		return fmt.Errorf("%w: public ip is required", ErrInvalidRecord)
	}
	for name, v := range map[string]string{
		"public_ip":   r.PublicIP,
		"private_ip":  r.PrivateIP,
		"instance_id": r.InstanceID,
		"cloud_tag":   r.CloudTag,
	} {
		if strings.Contains(v, ":") {
			return fmt.Errorf("%w: %s %q contains ':'", ErrInvalidRecord, name, v)
		}
	}
	for role := range r.roles {
		if _, err := ParseRole(string(role)); err != nil {
			return err
		}
	}
	if r.CreationTime != nil && r.DestructionTime != nil && r.DestructionTime.Before(*r.CreationTime) {
		return fmt.Errorf("%w: destruction before creation", ErrInvalidLease)
	}
	return nil
}

// Parse decodes "public_ip:private_ip:role1:...:roleN:instance_id:cloud_tag".
// A record with no role fields is open.
func Parse(s string) (*Record, error) {
	fields := strings.Split(strings.TrimSpace(s), ":")
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: %q has %d fields, need at least 4", ErrInvalidRecord, s, len(fields))
	}
	n := len(fields)
	var roles []Role
	for _, f := range fields[2 : n-2] {
		role, err := ParseRole(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
		roles = append(roles, role)
	}
	r := New(fields[0], fields[1], fields[n-2], fields[n-1], roles...)
	if r.PublicIP == "" {
		return nil, fmt.Errorf("%w: %q has no public ip", ErrInvalidRecord, s)
	}
	return r, nil
}

// String encodes the record in the colon format with roles sorted.
func (r *Record) String() string {
	parts := []string{r.PublicIP, r.PrivateIP}
	for _, role := range r.Roles() {
		parts = append(parts, string(role))
	}
	parts = append(parts, r.InstanceID, r.CloudTag)
	return strings.Join(parts, ":")
}

// Roles returns the held roles in sorted order.
func (r *Record) Roles() []Role {
	out := make([]Role, 0, len(r.roles))
	for role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Record) HasRole(role Role) bool {
	_, ok := r.roles[role]
	return ok
}

// IsOpen reports whether the node is idle.
func (r *Record) IsOpen() bool { return r.HasRole(RoleOpen) }

// InUse reports whether the node holds any role other than "open".
func (r *Record) InUse() bool {
	for role := range r.roles {
		if role != RoleOpen {
			return true
		}
	}
	return false
}

// AddRoles adds roles and drops "open".
func (r *Record) AddRoles(roles ...Role) {
	if r.roles == nil {
		r.roles = make(map[Role]struct{})
	}
	for _, role := range roles {
		r.roles[role] = struct{}{}
	}
	delete(r.roles, RoleOpen)
	r.normalize()
}

// RemoveRoles removes roles; a node left with none becomes "open".
func (r *Record) RemoveRoles(roles ...Role) {
	for _, role := range roles {
		delete(r.roles, role)
	}
	r.normalize()
}

// SetRoles replaces the role set.
func (r *Record) SetRoles(roles ...Role) {
	r.roles = make(map[Role]struct{})
	for _, role := range roles {
		r.roles[role] = struct{}{}
	}
	r.normalize()
}

// Metered reports whether the node is billed by the hour.
func (r *Record) Metered() bool {
	return r.CreationTime != nil && r.DestructionTime != nil
}

// SetLease records the billing window of a metered node.
func (r *Record) SetLease(creation, destruction time.Time) error {
	if destruction.Before(creation) {
		return fmt.Errorf("%w: destruction %s before creation %s", ErrInvalidLease,
			destruction.Format(time.RFC3339), creation.Format(time.RFC3339))
	}
	r.CreationTime = &creation
	r.DestructionTime = &destruction
	return nil
}

// ClearLease marks the node as not metered.
func (r *Record) ClearLease() {
	r.CreationTime = nil
	r.DestructionTime = nil
}

// ShouldDestroy reports whether a metered node's lease has run out.
func (r *Record) ShouldDestroy(now time.Time) bool {
	return r.Metered() && now.After(*r.DestructionTime)
}

// ShouldExtend reports whether an expired node is still working and so
// should be kept for another period instead of destroyed.
func (r *Record) ShouldExtend(now time.Time) bool {
	return r.ShouldDestroy(now) && r.InUse()
}

// Extend pushes the lease end out by one billing period.
func (r *Record) Extend() error {
	if !r.Metered() {
		return ErrNotMetered
	}
	next := r.DestructionTime.Add(BillingPeriod)
	r.DestructionTime = &next
	return nil
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.roles = make(map[Role]struct{}, len(r.roles))
	for role := range r.roles {
		c.roles[role] = struct{}{}
	}
	if r.CreationTime != nil {
		t := *r.CreationTime
		c.CreationTime = &t
	}
	if r.DestructionTime != nil {
		t := *r.DestructionTime
		c.DestructionTime = &t
	}
	return &c
}
