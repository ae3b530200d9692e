package tools

import (
	"github.com/kexinoh/free-OKC/internal/deploy"
	"github.com/kexinoh/free-OKC/internal/spec"
	"github.com/kexinoh/free-OKC/internal/workspace"
)

// Toolset bundles a session's registry with the stateful pieces that
// need explicit lifecycle handling.
type Toolset struct {
	Registry *Registry
	Todos    *TodoStore
	Browser  *Browser

	ipython *IPythonTool
}

// NewToolset builds the full per-session registry: every manifest entry
// bound to its implementation, stubs only for names nothing binds.
func NewToolset(specs []spec.ToolSpec, ws *workspace.Manager, deployments *deploy.Store) (*Toolset, error) {
	registry, err := NewRegistry(specs)
	if err != nil {
		return nil, err
	}

	todos := NewTodoStore()
	browser := NewBrowser()
	ipython := NewIPythonTool(ws)
	dataSources := NewDataSourceRegistry()

	err = registry.BindAll(
		NewTodoReadTool(todos),
		NewTodoWriteTool(todos),
		NewShellTool(ws),
		ipython,
		NewReadFileTool(ws),
		NewWriteFileTool(ws),
		NewEditFileTool(ws),
		NewFilesWriteTool(ws),
		NewBrowserVisitTool(browser),
		NewBrowserStateTool(browser),
		NewBrowserFindTool(browser),
		NewBrowserClickTool(browser),
		NewBrowserInputTool(browser),
		NewBrowserScrollDownTool(browser),
		NewBrowserScrollUpTool(browser),
		NewWebSearchTool(),
		NewImageSearchTool(),
		NewGenerateImageTool(ws),
		NewGetVoicesTool(),
		NewGenerateSpeechTool(ws),
		NewGenerateSoundEffectsTool(ws),
		NewDataSourceDescTool(dataSources),
		NewDataSourceGetTool(dataSources),
		NewSlidesGeneratorTool(ws),
		NewDeployWebsiteTool(ws, deployments),
	)
	if err != nil {
		return nil, err
	}

	return &Toolset{
		Registry: registry,
		Todos:    todos,
		Browser:  browser,
		ipython:  ipython,
	}, nil
}

// Close releases per-session tool resources.
func (t *Toolset) Close() {
	if t.ipython != nil {
		t.ipython.Close()
	}
}
