package bqtarget

import (
	"context"

	"cloud.google.com/go/bigquery"
	"github.com/pkg/errors"
)

// LabelStagingTableHook returns a hook that labels every staging table, so leftovers of failed
// upserts can be found by label before they expire
func LabelStagingTableHook(labels map[string]string) func(next CreateStagingTableFunc) CreateStagingTableFunc {
	return func(next CreateStagingTableFunc) CreateStagingTableFunc {
		return func(ctx context.Context, input *CreateStagingTableInput) (*CreateStagingTableOutput, error) {
			output, err := next(ctx, input)
			if err != nil {
				return nil, err
			}
			if len(labels) == 0 {
				return output, nil
			}

			table := input.Client.Dataset(input.DatasetID).Table(output.StagingTable)
			md, err := table.Metadata(ctx)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to get metadata of %s", output.StagingTable)
			}

			var update bigquery.TableMetadataToUpdate
			for k, v := range labels {
				update.SetLabel(k, v)
			}
			if _, err := table.Update(ctx, update, md.ETag); err != nil {
				return nil, errors.Wrapf(err, "failed to label staging table %s", output.StagingTable)
			}
			return output, nil
		}
	}
}
