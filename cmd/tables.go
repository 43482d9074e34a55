package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/mvstore/engine"
	"github.com/leftmike/mvstore/sql"
	"github.com/leftmike/mvstore/storage/service"
)

func init() {
	mvstoreCmd.AddCommand(
		&cobra.Command{
			Use:   "tables",
			Short: "List the tables with their columns, indexes and row counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(
					func(e *engine.Engine) error {
						return listTables(context.Background(), cmd.OutOrStdout(), e)
					})
			},
		})
}

func formatColumns(schema *sql.Schema) string {
	var cols []string
	for num, col := range schema.Columns {
		if col.Dropped {
			continue
		}
		s := fmt.Sprintf("%s %s", col.Name, col.Type)
		if num == schema.PrimaryKey {
			s += " PRIMARY KEY"
		} else if col.NotNull {
			s += " NOT NULL"
		}
		if col.Default != nil {
			s += " DEFAULT " + sql.Format(col.Default)
		}
		cols = append(cols, s)
	}
	return strings.Join(cols, ", ")
}

func formatIndexes(schema *sql.Schema) string {
	var idxs []string
	for _, def := range schema.Indexes {
		var cols []string
		for _, num := range def.Columns {
			cols = append(cols, schema.Columns[num].Name)
		}
		s := fmt.Sprintf("%s %s (%s)", def.Name, def.Kind, strings.Join(cols, ", "))
		if def.Unique {
			s = "UNIQUE " + s
		}
		idxs = append(idxs, s)
	}
	return strings.Join(idxs, ", ")
}

func listTables(ctx context.Context, w io.Writer, e *engine.Engine) error {
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"table", "id", "columns", "indexes", "rows"})
	tw.SetAutoWrapText(false)

	err := e.View(ctx, service.Snapshot,
		func(tx *engine.Transaction) error {
			for _, name := range e.Tables() {
				schema, err := e.Schema(name)
				if err != nil {
					return err
				}
				agg, err := tx.Aggregate(ctx, name, "")
				if err != nil {
					return err
				}
				tw.Append([]string{
					name,
					fmt.Sprintf("%d", schema.ID),
					formatColumns(schema),
					formatIndexes(schema),
					fmt.Sprintf("%d", agg.Count),
				})
			}
			return nil
		})
	if err != nil {
		return err
	}
	tw.Render()
	return nil
}
