package jobs

import (
	"context"

	"github.com/hubward/jobd/internal/worker/files"
	"github.com/hubward/jobd/internal/worker/paths"
	"github.com/hubward/jobd/model"
)

// Convert runs the external converter binary to transform a file in
// the working directory. The decode, encode, compile and build methods
// are the same operation with different converter verbs.
type Convert struct {
	Subprocess
	Params model.ConvertParams
	Verb   string
	Bin    string
}

func (c *Convert) Do(ctx context.Context) (any, error) {
	input, err := paths.JoinAndValidate(c.WorkDir, c.Params.Input)
	if err != nil {
		return nil, err
	}
	output, err := paths.JoinAndValidate(c.WorkDir, c.Params.Output)
	if err != nil {
		return nil, err
	}
	if err := files.EnsureParent(output); err != nil {
		return nil, err
	}

	args := append([]string{c.Verb, input, output}, c.Params.Options...)
	if err := c.run(ctx, c.Bin, args...); err != nil {
		return nil, err
	}
	c.Info("converted %s to %s", c.Params.Input, c.Params.Output)
	return files.List(c.WorkDir)
}
