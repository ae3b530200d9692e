package tools

import (
	"context"
	"fmt"

	"github.com/kexinoh/free-OKC/internal/deploy"
	"github.com/kexinoh/free-OKC/internal/workspace"
)

// DeployWebsiteTool publishes a workspace directory through the shared
// deployment store.
type DeployWebsiteTool struct {
	ws    *workspace.Manager
	store *deploy.Store
}

func NewDeployWebsiteTool(ws *workspace.Manager, store *deploy.Store) *DeployWebsiteTool {
	return &DeployWebsiteTool{ws: ws, store: store}
}

func (t *DeployWebsiteTool) Name() string { return "mshtools-deploy_website" }

func (t *DeployWebsiteTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	directory := stringArg(args, "directory")
	if directory == "" {
		return ErrorResult("directory is required")
	}
	resolved, err := t.ws.Resolve(directory)
	if err != nil {
		return ErrorResult(err.Error())
	}

	record, err := t.store.Deploy(deploy.Options{
		SourceDir:   resolved,
		SiteName:    stringArg(args, "site_name"),
		SessionID:   t.ws.Paths().SessionID,
		EntryFile:   stringArg(args, "entry_file"),
		Force:       boolArg(args, "force"),
		StartServer: boolArg(args, "start_server"),
	})
	if err != nil {
		return ErrorResult(err.Error())
	}

	deployment := map[string]interface{}{
		"id":          record.ID,
		"name":        record.Name,
		"slug":        record.Slug,
		"preview_url": record.PreviewURL,
		"entry_path":  record.EntryPath,
	}
	if record.ServerInfo != nil {
		deployment["server_info"] = map[string]interface{}{
			"pid":    record.ServerInfo.PID,
			"port":   record.ServerInfo.Port,
			"status": record.ServerInfo.Status,
		}
	}
	return DataResult(
		fmt.Sprintf("Deployed %s as %s (id %s). Preview: %s", displayPath(t.ws, resolved), record.Slug, record.ID, record.PreviewURL),
		map[string]interface{}{"deployment": deployment},
	)
}
