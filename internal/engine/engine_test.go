package engine

import (
	"context"
	"errors"
	"slices"
	"sync"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/ldap-bulkops/internal/ldap"
)

// fakeClient implements ldap.Client against in-memory fixtures,
// recording every write it receives.
type fakeClient struct {
	mu sync.Mutex

	// fixtures
	entries  map[string]*ldap.Entry
	searchFn func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	controls []string
	contexts []string

	// fault injection
	addErr    func(req *ldap.AddRequest) error
	modifyErr func(req *ldap.ModifyRequest) error
	deleteErr func(req *ldap.DeleteRequest) error

	// recorded traffic
	adds     []*ldap.AddRequest
	modifies []*ldap.ModifyRequest
	deletes  []*ldap.DeleteRequest

	searches      int
	supportsCalls int
}

func (f *fakeClient) Bind(ctx context.Context) error { return nil }

func (f *fakeClient) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.mu.Lock()
	f.searches++
	f.mu.Unlock()
	if f.searchFn != nil {
		return f.searchFn(req)
	}
	return &ldap.SearchResult{}, nil
}

func (f *fakeClient) ReadEntry(ctx context.Context, dn string, attributes []string) (*ldap.Entry, error) {
	if e, ok := f.entries[dn]; ok {
		return e, nil
	}
	return nil, ldap.NewDirectoryError("search", dn,
		goldap.NewError(goldap.LDAPResultNoSuchObject, errors.New("no such object")))
}

func (f *fakeClient) Add(ctx context.Context, req *ldap.AddRequest) error {
	f.mu.Lock()
	f.adds = append(f.adds, req)
	f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr(req)
	}
	return nil
}

func (f *fakeClient) Modify(ctx context.Context, req *ldap.ModifyRequest) error {
	f.mu.Lock()
	f.modifies = append(f.modifies, req)
	f.mu.Unlock()
	if f.modifyErr != nil {
		return f.modifyErr(req)
	}
	return nil
}

func (f *fakeClient) Delete(ctx context.Context, req *ldap.DeleteRequest) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, req)
	f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr(req)
	}
	return nil
}

func (f *fakeClient) NamingContexts(ctx context.Context) ([]string, error) {
	if f.contexts != nil {
		return f.contexts, nil
	}
	return []string{"dc=example,dc=com"}, nil
}

func (f *fakeClient) SupportsControl(ctx context.Context, oid string) (bool, error) {
	f.mu.Lock()
	f.supportsCalls++
	f.mu.Unlock()
	return slices.Contains(f.controls, oid), nil
}

func (f *fakeClient) Schema(ctx context.Context) (*ldap.Entry, error) {
	return goldap.NewEntry("cn=subschema", nil), nil
}

func (f *fakeClient) Close() error { return nil }

// resultErr builds a directory error carrying the given result code.
func resultErr(op string, code uint16) error {
	return ldap.NewDirectoryError(op, "",
		goldap.NewError(code, errors.New(goldap.LDAPResultCodeMap[code])))
}

// uidSearcher answers member-existence searches from a uid -> DN map.
// A uid mapped to several DNs produces several entries.
func uidSearcher(users map[string][]string) func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	return func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		result := &ldap.SearchResult{}
		for uid, dns := range users {
			if !containsUID(req.Filter, uid) {
				continue
			}
			for _, dn := range dns {
				result.Entries = append(result.Entries,
					goldap.NewEntry(dn, map[string][]string{"uid": {uid}}))
			}
		}
		return result, nil
	}
}

func containsUID(filter, uid string) bool {
	return filter == userFilter(uid)
}
