// Package jira declares the Jira Cloud connector: issues as tickets and
// users, over the REST v3 API through the api.atlassian.com gateway.
//
// Connections authorize with Atlassian's OAuth 2.0 (3LO) flow. The cloud id
// of the granted site is recorded after the code exchange and every call is
// addressed to https://api.atlassian.com/ex/jira/<cloudId>.
//
// Webhooks are registered per connection but delivered to one app-level
// endpoint; the site host in issue.self (or user.self) routes a delivery.
package jira
