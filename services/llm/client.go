// Copyright (C) 2025 StillMe Project (anhmtk)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm exposes the language-model collaborator to validation
// checks. Checks that consult a model (source-consensus arbitration) see
// only the Client contract; the deadline travels on the context.
package llm

import "context"

// Client is the single synchronous completion contract checks depend on.
//
// Thread Safety: implementations must be safe for concurrent use.
type Client interface {
	// Complete sends one prompt and returns the model's text response.
	// Implementations must honor the context deadline; the validation
	// engine treats an expired call as a soft pass, never as a chain
	// failure.
	Complete(ctx context.Context, prompt string) (string, error)
}

// StaticClient returns a fixed response for every prompt. Test helper.
type StaticClient struct {
	// Response is returned from every Complete call.
	Response string

	// Err, when non-nil, is returned instead.
	Err error
}

// Complete implements Client.
func (c *StaticClient) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.Err != nil {
		return "", c.Err
	}
	return c.Response, nil
}

var _ Client = (*StaticClient)(nil)
