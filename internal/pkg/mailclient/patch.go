package mailclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ManuelReschke/MailAccounts/internal/pkg/syncerr"
)

type PatchAction string

const (
	PatchSet        PatchAction = "set"
	PatchAddItem    PatchAction = "addItem"
	PatchRemoveItem PatchAction = "removeItem"
)

// PatchOp is one element of a principal update.
type PatchOp struct {
	Action PatchAction `json:"action"`
	Field  string      `json:"field"`
	Value  any         `json:"value"`
}

var (
	scalarActions = []PatchAction{PatchSet}
	listActions   = []PatchAction{PatchAddItem, PatchRemoveItem}
)

// patchSchema lists the actions each principal field accepts.
var patchSchema = map[string][]PatchAction{
	"type":                scalarActions,
	"name":                scalarActions,
	"description":         scalarActions,
	"quota":               scalarActions,
	"secrets":             listActions,
	"emails":              listActions,
	"urls":                listActions,
	"memberOf":            listActions,
	"roles":               listActions,
	"lists":               listActions,
	"members":             listActions,
	"enabledPermissions":  listActions,
	"disabledPermissions": listActions,
	"externalMembers":     listActions,
}

// ValidatePatch checks every op against the field schema. The whole batch is
// rejected if a single op is illegal.
func ValidatePatch(ops []PatchOp) error {
	for _, op := range ops {
		allowed, ok := patchSchema[op.Field]
		if !ok {
			return &syncerr.SchemaViolationError{Field: op.Field, Reason: "unknown field"}
		}
		legal := false
		for _, a := range allowed {
			if a == op.Action {
				legal = true
				break
			}
		}
		if !legal {
			return &syncerr.SchemaViolationError{Field: op.Field, Action: string(op.Action)}
		}
	}
	return nil
}

// PatchPrincipal applies ops to the named principal. An empty batch is a
// no-op and sends nothing.
func (c *Client) PatchPrincipal(ctx context.Context, name string, ops []PatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	if err := ValidatePatch(ops); err != nil {
		return err
	}

	env, err := c.do(ctx, "patch principal", http.MethodPatch, principalPath(name), nil, ops)
	if err != nil {
		return err
	}
	if env.notFound() {
		return fmt.Errorf("patch principal %q: %w", name, syncerr.ErrNotFound)
	}
	if env.Error != "" {
		return c.remoteError("patch principal", env)
	}
	return nil
}

func itemOps(action PatchAction, field string, values []string) []PatchOp {
	ops := make([]PatchOp, 0, len(values))
	for _, v := range values {
		ops = append(ops, PatchOp{Action: action, Field: field, Value: v})
	}
	return ops
}

// AddEmailOps builds one addItem op per address.
func AddEmailOps(emails ...string) []PatchOp {
	return itemOps(PatchAddItem, "emails", emails)
}

// QuotaOp sets the storage quota in bytes.
func QuotaOp(quota int64) PatchOp {
	return PatchOp{Action: PatchSet, Field: "quota", Value: quota}
}

func (c *Client) AddEmails(ctx context.Context, name string, emails ...string) error {
	return c.PatchPrincipal(ctx, name, AddEmailOps(emails...))
}

func (c *Client) RemoveEmails(ctx context.Context, name string, emails ...string) error {
	return c.PatchPrincipal(ctx, name, itemOps(PatchRemoveItem, "emails", emails))
}

// EmailChange replaces Old with New on a principal.
type EmailChange struct {
	Old string
	New string
}

// ReplaceEmailOps turns each change into a RemoveItem+AddItem pair.
func ReplaceEmailOps(changes []EmailChange) []PatchOp {
	ops := make([]PatchOp, 0, len(changes)*2)
	for _, ch := range changes {
		ops = append(ops,
			PatchOp{Action: PatchRemoveItem, Field: "emails", Value: ch.Old},
			PatchOp{Action: PatchAddItem, Field: "emails", Value: ch.New},
		)
	}
	return ops
}

// ReplaceEmails swaps addresses in one request.
func (c *Client) ReplaceEmails(ctx context.Context, name string, changes []EmailChange) error {
	return c.PatchPrincipal(ctx, name, ReplaceEmailOps(changes))
}

func (c *Client) SetQuota(ctx context.Context, name string, quota int64) error {
	return c.PatchPrincipal(ctx, name, []PatchOp{QuotaOp(quota)})
}

func (c *Client) AddSecret(ctx context.Context, name, secret string) error {
	return c.PatchPrincipal(ctx, name, []PatchOp{{Action: PatchAddItem, Field: "secrets", Value: secret}})
}

func (c *Client) RemoveSecret(ctx context.Context, name, secret string) error {
	return c.PatchPrincipal(ctx, name, []PatchOp{{Action: PatchRemoveItem, Field: "secrets", Value: secret}})
}

func (c *Client) UpdateDescription(ctx context.Context, name, description string) error {
	return c.PatchPrincipal(ctx, name, []PatchOp{{Action: PatchSet, Field: "description", Value: description}})
}

// AppPasswordSecret formats a hashed app password the way the server expects
// labelled application secrets.
func AppPasswordSecret(label, hash string) string {
	label = strings.ReplaceAll(strings.TrimSpace(label), "$", "")
	return "$app$" + label + "$" + hash
}
