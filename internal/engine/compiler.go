package engine

import (
	"github.com/isometry/ldap-bulkops/internal/ldap"
	"github.com/isometry/ldap-bulkops/internal/ldif"
)

// Change is one compiled directory mutation, tied back to the subject
// that produced it.
type Change struct {
	Subject int // subject ordinal within the run, starting at 1
	Record  ldif.Record
}

// Compile parses one expanded template instance into change records.
// A single expansion may legitimately decode into several records (one
// per dn: block); a record with multiple modify clauses stays one
// record. Text the codec cannot parse is a template error, as are
// change types the engine does not execute.
func Compile(expanded string, subject int) ([]Change, error) {
	records, err := ldif.ParseString(expanded)
	if err != nil {
		return nil, &TemplateError{Msg: "expanded template is not valid change text", Cause: err}
	}
	if len(records) == 0 {
		return nil, &TemplateError{Msg: "expanded template contains no change records"}
	}

	changes := make([]Change, 0, len(records))
	for _, rec := range records {
		changes = append(changes, Change{Subject: subject, Record: rec})
	}
	return changes, nil
}

// addRequest converts an add record into a directory client request.
func addRequest(rec ldif.Record, controls []string) *ldap.AddRequest {
	req := &ldap.AddRequest{DN: rec.DN, Controls: controls}
	for _, attr := range rec.Attributes {
		req.Attributes = append(req.Attributes, ldap.Attribute{
			Name:   attr.Name,
			Values: attr.Values,
		})
	}
	return req
}

// modifyRequest converts a modify record into a directory client request.
func modifyRequest(rec ldif.Record, controls []string) *ldap.ModifyRequest {
	req := &ldap.ModifyRequest{DN: rec.DN, Controls: controls}
	for _, mod := range rec.Mods {
		var op ldap.ModifyOp
		switch mod.Op {
		case ldif.ModAdd:
			op = ldap.ModifyAdd
		case ldif.ModDelete:
			op = ldap.ModifyDelete
		case ldif.ModReplace:
			op = ldap.ModifyReplace
		}
		req.Mods = append(req.Mods, ldap.Modification{
			Op:     op,
			Attr:   mod.Attr,
			Values: mod.Values,
		})
	}
	return req
}
