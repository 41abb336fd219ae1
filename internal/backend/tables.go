package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yourorg/stockroom/internal/domain"
)

// Tenant-scoped record operations against the backend's REST surface.
// Every filter is expressed as column=eq.value query parameters; the
// backend enforces row-level tenancy on top of these.

// OrganizationForUser resolves the organization a user belongs to through
// the membership relation. At most one organization per user is supported;
// if multiple memberships exist the lowest membership ID wins, which keeps
// the choice deterministic across lookups. A user with no memberships
// yields (nil, nil).
func (c *Client) OrganizationForUser(ctx context.Context, userID string) (*domain.Organization, error) {
	var memberships []domain.Membership
	path := "/rest/v1/user_organizations?user_id=eq." + url.QueryEscape(userID) + "&order=id.asc&limit=1"
	if err := c.do(ctx, "select membership", http.MethodGet, path, true, nil, &memberships); err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	var orgs []domain.Organization
	path = "/rest/v1/organizations?id=eq." + url.QueryEscape(memberships[0].OrganizationID) + "&limit=1"
	if err := c.do(ctx, "select organization", http.MethodGet, path, true, nil, &orgs); err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		return nil, nil
	}
	return &orgs[0], nil
}

// InsertOrganization claims a slug and creates the organization row. A
// conflicting slug surfaces as an AuthError with kind duplicate_slug.
func (c *Client) InsertOrganization(ctx context.Context, name, slug string) (*domain.Organization, error) {
	var orgs []domain.Organization
	body := []map[string]string{{"name": name, "slug": slug}}
	if err := c.do(ctx, "insert organization", http.MethodPost, "/rest/v1/organizations", true, body, &orgs); err != nil {
		return nil, err
	}
	if len(orgs) == 0 {
		return nil, fmt.Errorf("backend returned no organization row")
	}
	return &orgs[0], nil
}

// InsertMembership links a user to an organization with a role.
func (c *Client) InsertMembership(ctx context.Context, userID, orgID string, role domain.Role) (*domain.Membership, error) {
	var memberships []domain.Membership
	body := []map[string]string{{
		"user_id":         userID,
		"organization_id": orgID,
		"role":            string(role),
	}}
	if err := c.do(ctx, "insert membership", http.MethodPost, "/rest/v1/user_organizations", true, body, &memberships); err != nil {
		return nil, err
	}
	if len(memberships) == 0 {
		return nil, fmt.Errorf("backend returned no membership row")
	}
	return &memberships[0], nil
}

// ListInventory returns the organization's items ordered by name.
func (c *Client) ListInventory(ctx context.Context, orgID string) ([]domain.InventoryItem, error) {
	var items []domain.InventoryItem
	path := "/rest/v1/inventory?organization_id=eq." + url.QueryEscape(orgID) + "&order=name.asc"
	if err := c.do(ctx, "list inventory", http.MethodGet, path, true, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// GetInventoryItem fetches one item, or (nil, nil) when it does not exist.
func (c *Client) GetInventoryItem(ctx context.Context, orgID, itemID string) (*domain.InventoryItem, error) {
	var items []domain.InventoryItem
	path := "/rest/v1/inventory?organization_id=eq." + url.QueryEscape(orgID) +
		"&id=eq." + url.QueryEscape(itemID) + "&limit=1"
	if err := c.do(ctx, "get inventory item", http.MethodGet, path, true, nil, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// InsertInventoryItem creates a new item row for the organization.
func (c *Client) InsertInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	var items []domain.InventoryItem
	body := []map[string]any{{
		"organization_id": item.OrganizationID,
		"name":            item.Name,
		"category":        item.Category,
		"quantity":        item.Quantity,
		"unit":            item.Unit,
		"min_stock":       item.MinStock,
		"updated_at":      time.Now().UTC().Format(time.RFC3339),
	}}
	if err := c.do(ctx, "insert inventory item", http.MethodPost, "/rest/v1/inventory", true, body, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("backend returned no inventory row")
	}
	return &items[0], nil
}

// UpdateInventoryItem replaces the editable fields of an item.
func (c *Client) UpdateInventoryItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	var items []domain.InventoryItem
	path := "/rest/v1/inventory?organization_id=eq." + url.QueryEscape(item.OrganizationID) +
		"&id=eq." + url.QueryEscape(item.ID)
	body := map[string]any{
		"name":       item.Name,
		"category":   item.Category,
		"quantity":   item.Quantity,
		"unit":       item.Unit,
		"min_stock":  item.MinStock,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.do(ctx, "update inventory item", http.MethodPatch, path, true, body, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("inventory item not found")
	}
	return &items[0], nil
}

// DeleteInventoryItem removes an item row.
func (c *Client) DeleteInventoryItem(ctx context.Context, orgID, itemID string) error {
	path := "/rest/v1/inventory?organization_id=eq." + url.QueryEscape(orgID) +
		"&id=eq." + url.QueryEscape(itemID)
	return c.do(ctx, "delete inventory item", http.MethodDelete, path, true, nil, nil)
}

// UpdateInventoryQuantity sets only the quantity of an item.
func (c *Client) UpdateInventoryQuantity(ctx context.Context, orgID, itemID string, quantity float64) (*domain.InventoryItem, error) {
	var items []domain.InventoryItem
	path := "/rest/v1/inventory?organization_id=eq." + url.QueryEscape(orgID) +
		"&id=eq." + url.QueryEscape(itemID)
	body := map[string]any{
		"quantity":   quantity,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.do(ctx, "update inventory quantity", http.MethodPatch, path, true, body, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("inventory item not found")
	}
	return &items[0], nil
}
