// Package source holds the bundled source adapters. Each subpackage
// implements enrich.SourceAdapter or enrich.DependentAdapter and reports
// HTTP-class failures as *enrich.StatusError.
package source
