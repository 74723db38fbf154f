package engine

import (
	"context"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/isometry/ldap-bulkops/internal/ldap"
	"github.com/isometry/ldap-bulkops/internal/ldif"
)

// GroupType classifies how a group stores membership.
type GroupType int

const (
	GroupTypeUnknown GroupType = iota
	GroupTypeDynamic             // groupOfURLs: membership computed from memberURL
	GroupTypePosix               // posixGroup: memberUid holds uids
	GroupTypeNames               // groupOfNames: member holds DNs
	GroupTypeUniqueNames         // groupOfUniqueNames: uniqueMember holds DNs
)

func (t GroupType) String() string {
	switch t {
	case GroupTypeDynamic:
		return "dynamic"
	case GroupTypePosix:
		return "posixGroup"
	case GroupTypeNames:
		return "groupOfNames"
	case GroupTypeUniqueNames:
		return "groupOfUniqueNames"
	default:
		return "unknown"
	}
}

// memberAttribute returns the attribute a static group stores members
// in, and whether values are DNs (as opposed to bare uids).
func (t GroupType) memberAttribute() (attr string, usesDN bool) {
	switch t {
	case GroupTypePosix:
		return "memberUid", false
	case GroupTypeNames:
		return "member", true
	case GroupTypeUniqueNames:
		return "uniqueMember", true
	default:
		return "", false
	}
}

// GroupDescriptor is a group entry with its derived type. The type is
// derived once per group read and never mutated.
type GroupDescriptor struct {
	DN            string
	ObjectClasses []string
	Type          GroupType
}

// classificationOrder is checked first match wins. groupOfURLs leads:
// a dynamic group may also carry static classes, and the dynamic
// interpretation is the one its administrators intended.
var classificationOrder = []struct {
	objectClass string
	groupType   GroupType
}{
	{"groupofurls", GroupTypeDynamic},
	{"posixgroup", GroupTypePosix},
	{"groupofnames", GroupTypeNames},
	{"groupofuniquenames", GroupTypeUniqueNames},
}

// Classify derives the group type from an entry's objectClass values,
// matched case-insensitively.
func Classify(entry *ldap.Entry) (*GroupDescriptor, error) {
	classes := entry.GetAttributeValues("objectClass")

	desc := &GroupDescriptor{
		DN:            entry.DN,
		ObjectClasses: classes,
		Type:          GroupTypeUnknown,
	}

	lowered := make(map[string]bool, len(classes))
	for _, c := range classes {
		lowered[strings.ToLower(c)] = true
	}

	for _, rule := range classificationOrder {
		if lowered[rule.objectClass] {
			desc.Type = rule.groupType
			return desc, nil
		}
	}

	return desc, &UnsupportedGroupTypeError{DN: entry.DN, ObjectClasses: classes}
}

// MemberCandidate is a user validated to exist, with its resolved uid
// and DN. Candidates are only constructed after a search confirmed
// exactly one matching entry.
type MemberCandidate struct {
	UID string
	DN  string
}

// userFilter builds the existence filter for one member identifier.
func userFilter(id string) string {
	return fmt.Sprintf("(&(|(objectClass=posixAccount)(objectClass=inetOrgPerson))(uid=%s))",
		goldap.EscapeFilter(id))
}

// MemberValidator resolves requested member identifiers against the
// directory. Lookups are memoized so a repeated identifier in one
// request costs one search.
type MemberValidator struct {
	client ldap.Client
	baseDN string
	log    *zap.Logger
	cache  *gocache.Cache
}

// NewMemberValidator creates a validator searching under baseDN.
func NewMemberValidator(client ldap.Client, baseDN string, log *zap.Logger) *MemberValidator {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemberValidator{
		client: client,
		baseDN: baseDN,
		log:    log,
		cache:  gocache.New(gocache.NoExpiration, 0),
	}
}

// Resolve validates one identifier: exactly one matching user entry
// yields a candidate; zero is a NotFoundError, several an
// AmbiguousMatchError.
func (v *MemberValidator) Resolve(ctx context.Context, id string) (*MemberCandidate, error) {
	if cached, ok := v.cache.Get(id); ok {
		return cached.(*MemberCandidate), nil
	}

	result, err := v.client.Search(ctx, &ldap.SearchRequest{
		BaseDN:     v.baseDN,
		Scope:      ldap.ScopeWholeSubtree,
		Filter:     userFilter(id),
		Attributes: []string{"uid"},
	})
	if err != nil {
		return nil, err
	}

	switch len(result.Entries) {
	case 0:
		return nil, &NotFoundError{ID: id}
	case 1:
		entry := result.Entries[0]
		uid := entry.GetAttributeValue("uid")
		if uid == "" {
			uid = id
		}
		candidate := &MemberCandidate{UID: uid, DN: entry.DN}
		v.cache.Set(id, candidate, gocache.NoExpiration)
		return candidate, nil
	default:
		return nil, &AmbiguousMatchError{ID: id, Count: len(result.Entries)}
	}
}

// Validate resolves all identifiers. Per-identifier failures are
// collected; with continueOnError disabled, validation stops at the
// first failure.
func (v *MemberValidator) Validate(ctx context.Context, ids []string, continueOnError bool) ([]MemberCandidate, []error) {
	var candidates []MemberCandidate
	var errs []error

	for _, id := range ids {
		candidate, err := v.Resolve(ctx, id)
		if err != nil {
			v.log.Warn("member validation failed",
				zap.String("id", id),
				zap.Error(err))
			errs = append(errs, err)
			if !continueOnError {
				break
			}
			continue
		}
		candidates = append(candidates, *candidate)
	}

	return candidates, errs
}

// PlannedChange is one membership mutation for one candidate.
// SoftConflicts marks changes whose conflict outcomes (value already
// there on add, value already gone on delete) count as success.
type PlannedChange struct {
	Candidate     MemberCandidate
	Record        ldif.Record
	SoftConflicts bool
}

// MembershipStrategy plans the change records that add or remove a set
// of validated candidates. Planning is pure; applying is the
// executor's job, so generate mode and execute mode share one plan.
type MembershipStrategy interface {
	GroupType() GroupType
	Plan(candidates []MemberCandidate, add bool) []PlannedChange
}

// StrategyFor picks the strategy variant for a classified group. For
// dynamic groups this reads and parses the group's memberURL.
func StrategyFor(group *GroupDescriptor, memberURLs []string) (MembershipStrategy, error) {
	switch group.Type {
	case GroupTypePosix, GroupTypeNames, GroupTypeUniqueNames:
		attr, usesDN := group.Type.memberAttribute()
		return &staticStrategy{
			groupType: group.Type,
			groupDN:   group.DN,
			attr:      attr,
			usesDN:    usesDN,
		}, nil

	case GroupTypeDynamic:
		if len(memberURLs) != 1 {
			return nil, &ValidationError{
				Field: "memberURL",
				Msg: fmt.Sprintf("dynamic group %s carries %d memberURL values, exactly one is required",
					group.DN, len(memberURLs)),
			}
		}
		constraints, err := ParseMemberURL(memberURLs[0])
		if err != nil {
			return nil, err
		}
		return &dynamicStrategy{constraints: constraints}, nil

	default:
		return nil, &UnsupportedGroupTypeError{DN: group.DN, ObjectClasses: group.ObjectClasses}
	}
}

// staticStrategy edits the member attribute on the group entry itself.
type staticStrategy struct {
	groupType GroupType
	groupDN   string
	attr      string
	usesDN    bool
}

func (s *staticStrategy) GroupType() GroupType { return s.groupType }

func (s *staticStrategy) Plan(candidates []MemberCandidate, add bool) []PlannedChange {
	op := ldif.ModDelete
	if add {
		op = ldif.ModAdd
	}

	planned := make([]PlannedChange, 0, len(candidates))
	for _, c := range candidates {
		value := c.UID
		if s.usesDN {
			value = c.DN
		}
		planned = append(planned, PlannedChange{
			Candidate: c,
			Record: ldif.Record{
				DN:   s.groupDN,
				Type: ldif.ChangeModify,
				Mods: []ldif.Mod{{Op: op, Attr: s.attr, Values: []string{value}}},
			},
		})
	}
	return planned
}

// dynamicStrategy edits the user entries so they satisfy (or stop
// satisfying) the group's memberURL filter. Each constraint becomes
// its own modify record per candidate, so one constraint already in
// the desired state never blocks the others.
type dynamicStrategy struct {
	constraints []DynamicConstraint
}

func (s *dynamicStrategy) GroupType() GroupType { return GroupTypeDynamic }

func (s *dynamicStrategy) Plan(candidates []MemberCandidate, add bool) []PlannedChange {
	op := ldif.ModDelete
	if add {
		op = ldif.ModAdd
	}

	var planned []PlannedChange
	for _, c := range candidates {
		for _, constraint := range s.constraints {
			// Leaving means shedding the marker attributes, never the
			// entry's object classes.
			if !add && strings.EqualFold(constraint.Attr, "objectClass") {
				continue
			}
			planned = append(planned, PlannedChange{
				Candidate: c,
				Record: ldif.Record{
					DN:   c.DN,
					Type: ldif.ChangeModify,
					Mods: []ldif.Mod{{Op: op, Attr: constraint.Attr, Values: []string{constraint.Value}}},
				},
				SoftConflicts: true,
			})
		}
	}
	return planned
}
