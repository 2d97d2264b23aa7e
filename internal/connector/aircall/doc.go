// Package aircall declares the Aircall connector: calls, contacts and users
// over the public v1 API, authenticated with an API id and token.
//
// Lists page with page/per_page; the next cursor is the next page number
// whenever meta.next_page_link is set. Webhooks are registered per
// connection and every delivery carries the token Aircall issued for that
// webhook, which is kept on the subscription.
package aircall
