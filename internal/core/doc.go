// Package core provides the shared pieces every runtime component depends on.
//
// Structure:
//
//	errors.go   - closed error taxonomy (*Error, codes, HTTP classification)
//	path/       - dotted/wildcard path accessor over decoded JSON
//	cdm/        - canonical resource model (Resource, ResourceRef, Event)
package core
