package main

import (
	"context"
	"time"

	"github.com/epicenterhq/epicenter/pkg/action"
	"github.com/epicenterhq/epicenter/pkg/provider"
	"github.com/epicenterhq/epicenter/pkg/provider/index"
	"github.com/epicenterhq/epicenter/pkg/provider/markdown"
	"github.com/epicenterhq/epicenter/pkg/provider/persist"
	"github.com/epicenterhq/epicenter/pkg/schema"
	"github.com/epicenterhq/epicenter/pkg/table"
	"github.com/epicenterhq/epicenter/pkg/workspace"
	"github.com/google/uuid"
)

// scratchWorkspace is the built-in workspace the CLI serves: a single
// documents table synced to a markdown directory, persisted to bbolt,
// and mirrored into sqlite.
func scratchWorkspace() workspace.Config {
	docSchema := schema.TableSchema{
		"id":      schema.ID(),
		"title":   schema.Text(),
		"content": schema.Text().Optional().WithDefault(""),
		"tags":    schema.Tags().Optional(),
		"created": schema.Date(),
	}

	return workspace.Config{
		ID: "scratch",
		Schema: schema.WorkspaceSchema{
			"documents": docSchema,
		},
		Providers: []provider.Def{
			{ID: "persist", Factory: persist.Provide(persist.Config{})},
			{ID: "markdown", Factory: markdown.Provide(markdown.Config{
				Tables: map[string]markdown.TableConfig{
					"documents": {Serializer: markdown.BodyField("content")},
				},
			})},
			{ID: "index", Factory: index.Provide(index.Config{})},
		},
		Exports: scratchExports,
	}
}

func scratchExports(ctx workspace.ExportsContext) (map[string]any, error) {
	docs := ctx.Tables.MustGet("documents")
	md := ctx.Providers["markdown"].Values["markdown"].(*markdown.Provider)

	inputSchema := func(ts schema.TableSchema) *schema.Validator {
		v, err := schema.NewValidator("documents", ts)
		if err != nil {
			panic(err)
		}
		return v
	}

	addInput := inputSchema(schema.TableSchema{
		"id":    schema.ID().WithDefault(""),
		"title": schema.Text(),
		"body":  schema.Text().Optional().WithDefault(""),
		"tags":  schema.Tags().Optional(),
	})
	idInput := inputSchema(schema.TableSchema{
		"id": schema.ID(),
	})

	return map[string]any{
		"add": action.Mutation("add", "Create or replace a document", addInput,
			func(ctx context.Context, input map[string]any) (any, error) {
				id, _ := input["id"].(string)
				if id == "" {
					id = uuid.New().String()
				}
				row := map[string]any{
					"id":      id,
					"title":   input["title"],
					"content": input["body"],
					"created": time.Now().Format(time.RFC3339),
				}
				if tags, ok := input["tags"]; ok {
					row["tags"] = tags
				}
				if err := docs.Upsert(row); err != nil {
					return nil, err
				}
				return map[string]any{"id": id}, nil
			}),

		"get": action.Query("get", "Fetch one document by id", idInput,
			func(ctx context.Context, input map[string]any) (any, error) {
				id := input["id"].(string)
				res := docs.Get(id)
				switch res.Status {
				case table.StatusFound:
					return res.Row, nil
				case table.StatusInvalid:
					return nil, action.Conflict("document %q fails its schema: %s", id, res.Err.Error())
				default:
					return nil, action.NotFound("document %q does not exist", id)
				}
			}),

		"list": action.Query("list", "List every valid document", nil,
			func(ctx context.Context, input map[string]any) (any, error) {
				return docs.GetAllValid(), nil
			}),

		"delete": action.Mutation("delete", "Delete a document by id", idInput,
			func(ctx context.Context, input map[string]any) (any, error) {
				deleted, err := docs.Delete(input["id"].(string))
				if err != nil {
					return nil, err
				}
				return map[string]any{"deleted": deleted}, nil
			}),

		"pull": action.Mutation("pull", "Rewrite markdown files from the document state", nil,
			func(ctx context.Context, input map[string]any) (any, error) {
				return md.PullToMarkdown()
			}),

		"push": action.Mutation("push", "Load markdown files into the document state", nil,
			func(ctx context.Context, input map[string]any) (any, error) {
				return md.PushFromMarkdown()
			}),

		"diagnostics": action.Query("diagnostics", "List files currently failing to deserialize", nil,
			func(ctx context.Context, input map[string]any) (any, error) {
				return md.Diagnostics(), nil
			}),

		"scan": action.Mutation("scan", "Rescan every file and rebuild diagnostics", nil,
			func(ctx context.Context, input map[string]any) (any, error) {
				return md.ScanForErrors(), nil
			}),
	}, nil
}
