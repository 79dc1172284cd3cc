// Package responses writes API errors as RFC 7807 problem details.
package responses
