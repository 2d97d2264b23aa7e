// Package hubspot declares the HubSpot CRM connector: contacts, deals, deal
// pipelines and their stages, and owners as users.
//
// Connections authorize with OAuth2. After the code exchange the portal
// (hub) id is looked up and stored as the connection identifier, since
// HubSpot delivers every portal's webhooks to one app-level endpoint and
// only the portalId of a notification says which tenant it belongs to.
//
// Custom properties are exposed as customFields. Deal-to-contact
// associations are only fetched when association::contacts is selected.
package hubspot
