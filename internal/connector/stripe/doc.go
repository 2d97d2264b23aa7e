// Package stripe declares the Stripe connector: customers as contacts,
// invoices and their line items, over the v1 REST API with a secret key.
//
// Lists use starting_after; the cursor wraps the last object id. Line items
// are derived from their invoice and carry composite ids. Webhook endpoints
// are created per connection and their signing secrets are kept on the
// subscriptions.
package stripe
