package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ldap-bulkops/internal/ldap"
	"github.com/isometry/ldap-bulkops/internal/ldif"
)

const addTemplate = `dn: uid=user{COUNT},ou=people,dc=example,dc=com
changetype: add
objectClass: inetOrgPerson
uid: user{COUNT}
cn: User {COUNT}
`

func TestRunExecute(t *testing.T) {
	client := &fakeClient{}
	var events []EventType

	summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Template: addTemplate,
		Source:   NewRangeSource(1, 3),
		Servers:  []*ServerTarget{{Name: "primary", Client: client}},
		Options:  RunOptions{Mode: ModeExecute},
		Events:   func(ev Event) { events = append(events, ev.Type) },
	})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, summary.State)
	assert.Equal(t, 3, summary.Succeeded())
	assert.Equal(t, 0, summary.Failed())
	assert.NotEqual(t, "", summary.RunID.String())

	require.Len(t, client.adds, 3)
	assert.Equal(t, "uid=user1,ou=people,dc=example,dc=com", client.adds[0].DN)
	assert.Equal(t, "uid=user3,ou=people,dc=example,dc=com", client.adds[2].DN)

	assert.Equal(t, []EventType{
		EventRunStarted,
		EventServerStarted,
		EventSubjectApplied, EventSubjectApplied, EventSubjectApplied,
		EventServerCompleted,
		EventRunCompleted,
	}, events)
}

func TestRunServerIsolation(t *testing.T) {
	broken := &fakeClient{addErr: func(*ldap.AddRequest) error {
		return resultErr("add", goldap.LDAPResultUnwillingToPerform)
	}}
	healthy := &fakeClient{}

	summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Template: addTemplate,
		Source:   NewRangeSource(1, 2),
		Servers: []*ServerTarget{
			{Name: "broken", Client: broken},
			{Name: "healthy", Client: healthy},
		},
		Options: RunOptions{Mode: ModeExecute},
	})
	require.NoError(t, err)

	// the broken server aborts; the healthy one still gets its full run
	require.Len(t, summary.Servers, 2)
	assert.True(t, summary.Servers[0].Aborted)
	assert.Equal(t, 0, summary.Servers[0].Succeeded)
	assert.False(t, summary.Servers[1].Aborted)
	assert.Equal(t, 2, summary.Servers[1].Succeeded)
	assert.Len(t, healthy.adds, 2)

	assert.Equal(t, StateAborted, summary.State)
}

func TestRunContinueOnError(t *testing.T) {
	failFifth := func(req *ldap.AddRequest) error {
		if strings.HasPrefix(req.DN, "uid=user5,") {
			return resultErr("add", goldap.LDAPResultEntryAlreadyExists)
		}
		return nil
	}

	t.Run("disabled aborts at first failure", func(t *testing.T) {
		client := &fakeClient{addErr: failFifth}
		summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
			Template: addTemplate,
			Source:   NewRangeSource(1, 10),
			Servers:  []*ServerTarget{{Name: "primary", Client: client}},
			Options:  RunOptions{Mode: ModeExecute},
		})
		require.NoError(t, err)

		outcome := summary.Servers[0]
		assert.Equal(t, 4, outcome.Succeeded)
		assert.Equal(t, 1, outcome.Failed)
		assert.Equal(t, 5, outcome.Skipped)
		assert.True(t, outcome.Aborted)
		assert.Equal(t, StateAborted, summary.State)
	})

	t.Run("enabled runs the source to the end", func(t *testing.T) {
		client := &fakeClient{addErr: failFifth}
		summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
			Template: addTemplate,
			Source:   NewRangeSource(1, 10),
			Servers:  []*ServerTarget{{Name: "primary", Client: client}},
			Options:  RunOptions{Mode: ModeExecute, ContinueOnError: true},
		})
		require.NoError(t, err)

		outcome := summary.Servers[0]
		assert.Equal(t, 9, outcome.Succeeded)
		assert.Equal(t, 1, outcome.Failed)
		assert.Equal(t, 0, outcome.Skipped)
		assert.False(t, outcome.Aborted)
		assert.Equal(t, StateCompleted, summary.State)
	})
}

// brokenSource fails every Next call the same way, like a reader whose
// underlying stream died mid-run.
type brokenSource struct {
	calls int
}

func (s *brokenSource) Kind() string    { return "broken" }
func (s *brokenSource) Validate() error { return nil }
func (s *brokenSource) Restart() error  { return nil }
func (s *brokenSource) Count() int      { return -1 }
func (s *brokenSource) Next() (*Bindings, error) {
	s.calls++
	return nil, errors.New("read: connection reset")
}

func TestRunStickySourceErrorAbortsServer(t *testing.T) {
	source := &brokenSource{}

	done := make(chan *Summary, 1)
	go func() {
		summary, _ := NewExecutor(nil).Run(context.Background(), &RunSpec{
			Template: addTemplate,
			Source:   source,
			Options:  RunOptions{Mode: ModeGenerate, ContinueOnError: true},
		})
		done <- summary
	}()

	var summary *Summary
	select {
	case summary = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run never terminated on a persistently failing source")
	}

	outcome := summary.Servers[0]
	assert.True(t, outcome.Aborted)
	assert.Equal(t, 0, outcome.Succeeded)
	// the first failures count as subjects, then the stream is declared broken
	assert.Equal(t, maxConsecutiveSourceErrors-1, outcome.Failed)
	assert.Equal(t, maxConsecutiveSourceErrors, source.calls)
	assert.LessOrEqual(t, len(outcome.Diagnostics), maxConsecutiveSourceErrors)
	assert.Equal(t, StateAborted, summary.State)
}

// flakySource fails Next once at a given position, then recovers.
type flakySource struct {
	values  []string
	failAt  int
	idx     int
	yielded int
}

func (s *flakySource) Kind() string    { return "flaky" }
func (s *flakySource) Validate() error { return nil }
func (s *flakySource) Restart() error  { s.idx = 0; return nil }
func (s *flakySource) Count() int      { return -1 }
func (s *flakySource) Next() (*Bindings, error) {
	s.idx++
	if s.idx == s.failAt {
		return nil, errors.New("malformed row")
	}
	if s.yielded >= len(s.values) {
		return nil, io.EOF
	}
	b := NewBindings()
	b.Set(BindingCount, s.values[s.yielded])
	s.yielded++
	return b, nil
}

func TestRunIsolatedSourceErrorStaysPerSubject(t *testing.T) {
	source := &flakySource{values: []string{"1", "2", "3"}, failAt: 2}

	summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Template: addTemplate,
		Source:   source,
		Options:  RunOptions{Mode: ModeGenerate, ContinueOnError: true},
	})
	require.NoError(t, err)

	outcome := summary.Servers[0]
	assert.False(t, outcome.Aborted)
	assert.Equal(t, 3, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, StateCompleted, summary.State)
}

func TestRunGenerateMatchesExecute(t *testing.T) {
	executed := &fakeClient{}
	_, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Template: addTemplate,
		Source:   NewRangeSource(1, 4),
		Servers:  []*ServerTarget{{Name: "primary", Client: executed}},
		Options:  RunOptions{Mode: ModeExecute},
	})
	require.NoError(t, err)

	generated, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Template: addTemplate,
		Source:   NewRangeSource(1, 4),
		Options:  RunOptions{Mode: ModeGenerate},
	})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, generated.State)
	assert.Equal(t, 4, generated.Succeeded())

	records, err := ldif.ParseString(generated.ChangeFile())
	require.NoError(t, err)
	require.Len(t, records, len(executed.adds))
	for i, rec := range records {
		assert.Equal(t, executed.adds[i].DN, rec.DN)
		assert.Equal(t, ldif.ChangeAdd, rec.Type)
	}
}

func TestRunValidation(t *testing.T) {
	tests := []struct {
		name string
		spec RunSpec
	}{
		{
			name: "empty template",
			spec: RunSpec{Source: NewRangeSource(1, 2), Options: RunOptions{Mode: ModeGenerate}},
		},
		{
			name: "missing source",
			spec: RunSpec{Template: addTemplate, Options: RunOptions{Mode: ModeGenerate}},
		},
		{
			name: "invalid source",
			spec: RunSpec{Template: addTemplate, Source: NewRangeSource(9, 1), Options: RunOptions{Mode: ModeGenerate}},
		},
		{
			name: "execute without servers",
			spec: RunSpec{Template: addTemplate, Source: NewRangeSource(1, 2), Options: RunOptions{Mode: ModeExecute}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var done int
			tt.spec.Done = func(*Summary) { done++ }

			summary, err := NewExecutor(nil).Run(context.Background(), &tt.spec)
			require.Error(t, err)
			assert.Equal(t, StateAborted, summary.State)
			assert.ErrorIs(t, summary.Err, err)
			assert.Equal(t, 1, done)
		})
	}
}

func TestRunPermissiveModifyUnsupported(t *testing.T) {
	client := &fakeClient{} // advertises no controls
	summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Template: addTemplate,
		Source:   NewRangeSource(1, 2),
		Servers:  []*ServerTarget{{Name: "primary", Client: client}},
		Options:  RunOptions{Mode: ModeExecute, PermissiveModify: true},
	})
	require.NoError(t, err)

	assert.True(t, summary.Servers[0].Aborted)
	assert.Empty(t, client.adds, "no change may be applied after failed negotiation")
}

func TestRunControlAttachment(t *testing.T) {
	client := &fakeClient{controls: []string{ControlPermissiveModify, ControlNoOperation}}
	template := `dn: uid=user{COUNT},ou=people,dc=example,dc=com
changetype: modify
replace: description
description: batch {COUNT}
`
	_, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Template: template,
		Source:   NewRangeSource(1, 1),
		Servers:  []*ServerTarget{{Name: "primary", Client: client}},
		Options:  RunOptions{Mode: ModeExecute, PermissiveModify: true, NoOperation: true},
	})
	require.NoError(t, err)

	require.Len(t, client.modifies, 1)
	assert.ElementsMatch(t,
		[]string{ControlNoOperation, ControlPermissiveModify},
		client.modifies[0].Controls)
}

func TestStartDeliversSummaryOnce(t *testing.T) {
	client := &fakeClient{}
	done := make(chan *Summary, 2)

	NewExecutor(nil).Start(context.Background(), &RunSpec{
		Template: addTemplate,
		Source:   NewRangeSource(1, 2),
		Servers:  []*ServerTarget{{Name: "primary", Client: client}},
		Options:  RunOptions{Mode: ModeExecute},
	}, func(s *Summary) { done <- s })

	select {
	case summary := <-done:
		assert.Equal(t, 2, summary.Succeeded())
	case <-time.After(5 * time.Second):
		t.Fatal("summary never delivered")
	}

	select {
	case <-done:
		t.Fatal("summary delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func importRecords(t *testing.T) []ldif.Record {
	t.Helper()
	records, err := ldif.ParseString(`dn: uid=a,ou=people,dc=example,dc=com
changetype: add
objectClass: inetOrgPerson
uid: a

dn: uid=b,ou=people,dc=example,dc=com
changetype: modify
replace: description
description: imported

dn: uid=c,ou=people,dc=example,dc=com
changetype: delete
`)
	require.NoError(t, err)
	require.Len(t, records, 3)
	return records
}

func TestRunRecords(t *testing.T) {
	client := &fakeClient{}

	summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Records: importRecords(t),
		Servers: []*ServerTarget{{Name: "primary", Client: client}},
		Options: RunOptions{Mode: ModeExecute},
	})
	require.NoError(t, err)

	// one subject per record, each through its own operation
	assert.Equal(t, 3, summary.Succeeded())
	assert.Equal(t, StateCompleted, summary.State)
	require.Len(t, client.adds, 1)
	require.Len(t, client.modifies, 1)
	require.Len(t, client.deletes, 1)
	assert.Equal(t, "uid=a,ou=people,dc=example,dc=com", client.adds[0].DN)
	assert.Equal(t, "uid=c,ou=people,dc=example,dc=com", client.deletes[0].DN)
}

func TestRunRecordsContinueOnError(t *testing.T) {
	client := &fakeClient{modifyErr: func(*ldap.ModifyRequest) error {
		return resultErr("modify", goldap.LDAPResultNoSuchObject)
	}}

	t.Run("disabled aborts and skips the rest", func(t *testing.T) {
		summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
			Records: importRecords(t),
			Servers: []*ServerTarget{{Name: "primary", Client: client}},
			Options: RunOptions{Mode: ModeExecute},
		})
		require.NoError(t, err)

		outcome := summary.Servers[0]
		assert.Equal(t, 1, outcome.Succeeded)
		assert.Equal(t, 1, outcome.Failed)
		assert.Equal(t, 1, outcome.Skipped)
		assert.True(t, outcome.Aborted)
	})

	t.Run("enabled finishes the sequence", func(t *testing.T) {
		summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
			Records: importRecords(t),
			Servers: []*ServerTarget{{Name: "primary", Client: client}},
			Options: RunOptions{Mode: ModeExecute, ContinueOnError: true},
		})
		require.NoError(t, err)

		outcome := summary.Servers[0]
		assert.Equal(t, 2, outcome.Succeeded)
		assert.Equal(t, 1, outcome.Failed)
		assert.False(t, outcome.Aborted)
	})
}

func TestRunRecordsGenerateRoundTrips(t *testing.T) {
	records := importRecords(t)

	summary, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Records: records,
		Options: RunOptions{Mode: ModeGenerate},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded())

	parsed, err := ldif.ParseString(summary.ChangeFile())
	require.NoError(t, err)
	assert.Equal(t, records, parsed)
}

func TestRunRecordsRejectsMixedInputs(t *testing.T) {
	_, err := NewExecutor(nil).Run(context.Background(), &RunSpec{
		Records:  importRecords(t),
		Template: addTemplate,
		Options:  RunOptions{Mode: ModeGenerate},
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "records", verr.Field)
}

// --- membership runs ---

const groupDN = "cn=staff,ou=groups,dc=example,dc=com"

func membershipFixture(classes []string, extra map[string][]string) *fakeClient {
	attrs := map[string][]string{"objectClass": classes}
	for k, v := range extra {
		attrs[k] = v
	}
	return &fakeClient{
		entries: map[string]*ldap.Entry{
			groupDN: goldap.NewEntry(groupDN, attrs),
		},
		searchFn: uidSearcher(map[string][]string{
			"jdoe":   {"uid=jdoe,ou=people,dc=example,dc=com"},
			"asmith": {"uid=asmith,ou=people,dc=example,dc=com"},
		}),
	}
}

func TestRunMembershipStatic(t *testing.T) {
	client := membershipFixture([]string{"top", "posixGroup"}, nil)

	summary, err := NewExecutor(nil).RunMembership(context.Background(), &MembershipSpec{
		GroupDN: groupDN,
		Members: []string{"jdoe", "ghost", "asmith"},
		Add:     true,
		Servers: []*ServerTarget{{Name: "primary", BaseDN: "dc=example,dc=com", Client: client}},
		Options: RunOptions{Mode: ModeExecute, ContinueOnError: true},
	})
	require.NoError(t, err)

	outcome := summary.Servers[0]
	assert.Equal(t, 2, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Failed, "unknown member fails validation")

	require.Len(t, client.modifies, 2)
	for _, req := range client.modifies {
		assert.Equal(t, groupDN, req.DN)
		require.Len(t, req.Mods, 1)
		assert.Equal(t, ldap.ModifyAdd, req.Mods[0].Op)
		assert.Equal(t, "memberUid", req.Mods[0].Attr)
	}
	assert.Equal(t, []string{"jdoe"}, client.modifies[0].Mods[0].Values)
	assert.Equal(t, []string{"asmith"}, client.modifies[1].Mods[0].Values)
}

func TestRunMembershipValidationAbortsServer(t *testing.T) {
	client := membershipFixture([]string{"posixGroup"}, nil)

	summary, err := NewExecutor(nil).RunMembership(context.Background(), &MembershipSpec{
		GroupDN: groupDN,
		Members: []string{"ghost", "jdoe"},
		Add:     true,
		Servers: []*ServerTarget{{Name: "primary", BaseDN: "dc=example,dc=com", Client: client}},
		Options: RunOptions{Mode: ModeExecute},
	})
	require.NoError(t, err)

	assert.True(t, summary.Servers[0].Aborted)
	assert.Empty(t, client.modifies)
}

func TestRunMembershipStaticOpportunisticPermissiveModify(t *testing.T) {
	client := membershipFixture([]string{"posixGroup"}, nil)
	client.controls = []string{ControlPermissiveModify}

	_, err := NewExecutor(nil).RunMembership(context.Background(), &MembershipSpec{
		GroupDN: groupDN,
		Members: []string{"jdoe"},
		Add:     true,
		Servers: []*ServerTarget{{Name: "primary", BaseDN: "dc=example,dc=com", Client: client}},
		Options: RunOptions{Mode: ModeExecute},
	})
	require.NoError(t, err)

	require.Len(t, client.modifies, 1)
	assert.Contains(t, client.modifies[0].Controls, ControlPermissiveModify)
}

func TestRunMembershipDynamicSoftSuccess(t *testing.T) {
	client := membershipFixture([]string{"groupOfURLs"}, map[string][]string{
		"memberURL": {"ldap:///ou=people,dc=example,dc=com??sub?(&(employeeType=staff)(departmentNumber=42))"},
	})
	client.modifyErr = func(req *ldap.ModifyRequest) error {
		if req.Mods[0].Attr == "employeeType" {
			return resultErr("modify", goldap.LDAPResultAttributeOrValueExists)
		}
		return nil
	}

	summary, err := NewExecutor(nil).RunMembership(context.Background(), &MembershipSpec{
		GroupDN: groupDN,
		Members: []string{"jdoe"},
		Add:     true,
		Servers: []*ServerTarget{{Name: "primary", BaseDN: "dc=example,dc=com", Client: client}},
		Options: RunOptions{Mode: ModeExecute},
	})
	require.NoError(t, err)

	// the already-present constraint counts as success
	assert.Equal(t, 1, summary.Servers[0].Succeeded)
	assert.Equal(t, 0, summary.Servers[0].Failed)
	assert.Equal(t, StateCompleted, summary.State)

	// both constraint edits target the user entry
	require.Len(t, client.modifies, 2)
	for _, req := range client.modifies {
		assert.Equal(t, "uid=jdoe,ou=people,dc=example,dc=com", req.DN)
	}
}

func TestRunMembershipDynamicHardFailure(t *testing.T) {
	client := membershipFixture([]string{"groupOfURLs"}, map[string][]string{
		"memberURL": {"ldap:///ou=people,dc=example,dc=com??sub?(departmentNumber=42)"},
	})
	client.modifyErr = func(*ldap.ModifyRequest) error {
		return resultErr("modify", goldap.LDAPResultInsufficientAccessRights)
	}

	summary, err := NewExecutor(nil).RunMembership(context.Background(), &MembershipSpec{
		GroupDN: groupDN,
		Members: []string{"jdoe"},
		Add:     true,
		Servers: []*ServerTarget{{Name: "primary", BaseDN: "dc=example,dc=com", Client: client}},
		Options: RunOptions{Mode: ModeExecute, ContinueOnError: true},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Servers[0].Succeeded)
	assert.Equal(t, 1, summary.Servers[0].Failed)
}

func TestRunMembershipGenerate(t *testing.T) {
	client := membershipFixture([]string{"groupOfNames"}, nil)

	summary, err := NewExecutor(nil).RunMembership(context.Background(), &MembershipSpec{
		GroupDN: groupDN,
		Members: []string{"jdoe", "asmith"},
		Add:     false,
		Servers: []*ServerTarget{{Name: "primary", BaseDN: "dc=example,dc=com", Client: client}},
		Options: RunOptions{Mode: ModeGenerate},
	})
	require.NoError(t, err)

	assert.Empty(t, client.modifies, "generate mode never writes")
	records, err := ldif.ParseString(summary.ChangeFile())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, groupDN, records[0].DN)
	assert.Equal(t, ldif.ModDelete, records[0].Mods[0].Op)
	assert.Equal(t, "member", records[0].Mods[0].Attr)
	assert.Equal(t, []string{"uid=jdoe,ou=people,dc=example,dc=com"}, records[0].Mods[0].Values)
}

func TestRunMembershipGroupMissing(t *testing.T) {
	client := &fakeClient{}

	summary, err := NewExecutor(nil).RunMembership(context.Background(), &MembershipSpec{
		GroupDN: "cn=absent,ou=groups,dc=example,dc=com",
		Members: []string{"jdoe"},
		Add:     true,
		Servers: []*ServerTarget{{Name: "primary", BaseDN: "dc=example,dc=com", Client: client}},
		Options: RunOptions{Mode: ModeExecute},
	})
	require.NoError(t, err)

	assert.True(t, summary.Servers[0].Aborted)
	assert.Equal(t, StateAborted, summary.State)
}

func TestRunMembershipValidationErrors(t *testing.T) {
	exec := NewExecutor(nil)
	ctx := context.Background()

	_, err := exec.RunMembership(ctx, &MembershipSpec{Members: []string{"a"}, Servers: []*ServerTarget{{}}})
	assert.Error(t, err)

	_, err = exec.RunMembership(ctx, &MembershipSpec{GroupDN: groupDN, Servers: []*ServerTarget{{}}})
	assert.Error(t, err)

	_, err = exec.RunMembership(ctx, &MembershipSpec{GroupDN: groupDN, Members: []string{"a"}})
	assert.Error(t, err)
}
