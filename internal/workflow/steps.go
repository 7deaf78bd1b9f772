package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/edvin/edgedeploy/internal/artifact"
	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/filetree"
	"github.com/edvin/edgedeploy/internal/platform"
	"github.com/edvin/edgedeploy/internal/sandbox"
)

func (e *Engine) validate(ctx context.Context, ex *execution, in Results) (Results, map[string]any, error) {
	params := ex.msg.Params

	var missing []string
	if params.ProjectID == "" {
		missing = append(missing, "projectId")
	}
	if params.OrganizationID == "" {
		missing = append(missing, "orgId")
	}
	if params.UserID == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return in, nil, deployerr.NewValidationError(deployerr.ErrMissingParam,
			"missing required parameters: %s", strings.Join(missing, ", "))
	}
	if e.settings.PlatformAPIToken == "" || e.settings.PlatformAccountID == "" {
		return in, nil, deployerr.NewValidationError(deployerr.ErrMissingCredentials,
			"platform API token and account id must be configured")
	}

	charge, err := e.quota.DeductQuota(ctx, params.OrganizationID, ex.msg.Metadata.DeploymentID)
	if err != nil {
		return in, nil, err
	}

	project, err := e.projects.GetByID(ctx, params.ProjectID)
	if err != nil {
		return in, nil, err
	}
	if !project.IsActive {
		return in, nil, deployerr.NewValidationError(deployerr.ErrProjectInactive, "project %s is not active", project.ID)
	}

	tpl, ok := e.templates.Resolve(project.Template)
	if !ok {
		ex.logger.Warn().Str("template", project.Template).Str("fallback", tpl.Name).Msg("unknown project template, using default")
	}

	history, err := filetree.ParseHistory(project.MessageHistory)
	if err != nil {
		ex.logger.Warn().Err(err).Msg("message history unreadable, deploying starter files only")
		history = nil
	}

	out := in
	out.Validation = &ValidationOutput{
		Project:   project,
		Template:  tpl,
		InitFiles: tpl.InitFiles(),
		History:   history,
		Charge:    charge,
	}
	return out, map[string]any{
		"template":        tpl.Name,
		"historyMessages": len(history),
		"plan":            charge.PlanName,
		"quotaReplayed":   charge.Replayed,
	}, nil
}

func (e *Engine) createSandbox(ctx context.Context, ex *execution, in Results) (Results, map[string]any, error) {
	tpl := in.Validation.Template
	spec := sandbox.Spec{
		Template: tpl.Name,
		Image:    tpl.Image,
		Lifetime: e.settings.SandboxLifetime,
		Env:      map[string]string{"CI": "1"},
		Labels: map[string]string{
			"edgedeploy.deployment-id": ex.msg.Metadata.DeploymentID,
			"edgedeploy.project-id":    ex.msg.Params.ProjectID,
		},
	}

	id, err := e.sandboxes.Create(ctx, spec, sandbox.CreateTimeout)
	if err != nil {
		return in, nil, err
	}

	out := in
	out.Sandbox = &SandboxOutput{SandboxID: id, Provider: e.sandboxes.ProviderName()}
	return out, map[string]any{"sandboxId": id, "provider": out.Sandbox.Provider}, nil
}

func (e *Engine) syncFiles(ctx context.Context, ex *execution, in Results) (Results, map[string]any, error) {
	h, err := e.sandboxes.Connect(ctx, in.Sandbox.SandboxID)
	if err != nil {
		return in, nil, err
	}

	tree := filetree.Rehydrate(in.Validation.InitFiles, in.Validation.History)
	files, excluded := filetree.Filter(tree)

	var synced, failed []string
	for _, p := range filetree.SortedPaths(files) {
		if err := e.sandboxes.WriteFile(ctx, h, p, []byte(files[p])); err != nil {
			ex.logger.Warn().Err(err).Str("path", p).Msg("file sync failed")
			failed = append(failed, p)
			continue
		}
		synced = append(synced, p)
	}

	data := map[string]any{
		"synced":   len(synced),
		"failed":   failed,
		"excluded": excluded,
	}
	if len(synced) == 0 {
		return in, data, fmt.Errorf("no files synced to sandbox (%d failed)", len(failed))
	}

	out := in
	out.Sync = &SyncOutput{
		Handle:     h,
		Synced:     synced,
		Failed:     failed,
		Excluded:   excluded,
		BuildReady: len(synced) > 0,
	}
	return out, data, nil
}

func (e *Engine) build(ctx context.Context, ex *execution, in Results) (Results, map[string]any, error) {
	if !in.Sync.BuildReady {
		return in, nil, fmt.Errorf("project files are not ready to build")
	}
	tpl := in.Validation.Template
	h := in.Sync.Handle
	data := map[string]any{}

	for _, c := range []struct{ label, cmd string }{{"install", tpl.Install}, {"build", tpl.Build}} {
		if c.cmd == "" {
			continue
		}
		res, err := e.sandboxes.Exec(ctx, h, c.cmd, nil, sandbox.BuildTimeout)
		if err != nil {
			return in, data, err
		}
		data[c.label+"ExitCode"] = res.ExitCode
		if err := sandbox.RequireSuccess(c.cmd, res); err != nil {
			data[c.label+"Output"] = tail(res.Stdout+res.Stderr, 2000)
			return in, data, err
		}
	}

	ok, err := e.sandboxes.FileExists(ctx, h, tpl.Marker)
	if err != nil {
		return in, data, err
	}
	data["marker"] = tpl.Marker
	if !ok {
		return in, data, fmt.Errorf("build exited cleanly but %s was not produced", tpl.Marker)
	}

	out := in
	out.Build = &BuildOutput{Marker: tpl.Marker}
	return out, data, nil
}

func (e *Engine) deploy(ctx context.Context, ex *execution, in Results) (Results, map[string]any, error) {
	projectID := ex.msg.Params.ProjectID
	cmd := in.Validation.Template.DeployCommand(platform.WorkerName(projectID))
	env := map[string]string{
		"CLOUDFLARE_API_TOKEN":  e.settings.PlatformAPIToken,
		"CLOUDFLARE_ACCOUNT_ID": e.settings.PlatformAccountID,
	}

	res, err := e.sandboxes.Exec(ctx, in.Sync.Handle, cmd, env, sandbox.DeployTimeout)
	if err != nil {
		return in, nil, err
	}
	if err := sandbox.RequireSuccess(cmd, res); err != nil {
		return in, map[string]any{"output": tail(res.Stdout+res.Stderr, 2000)}, err
	}

	url := e.urlRe.FindString(res.Stdout)
	fallback := url == ""
	if fallback {
		url = platform.WorkerURL(e.platformDomain(), projectID)
		ex.logger.Debug().Str("worker_url", url).Msg("no url in deploy output, using constructed url")
	}

	reachable := true
	if e.prober != nil {
		if err := e.prober.Probe(ctx, url); err != nil {
			reachable = false
			ex.logger.Warn().Err(err).Str("worker_url", url).Msg("deployed worker not reachable yet")
		}
	}

	out := in
	out.Deploy = &DeployOutput{WorkerURL: url, URLFallback: fallback, Reachable: reachable}
	return out, map[string]any{"workerUrl": url, "urlFallback": fallback, "reachable": reachable}, nil
}

// cleanup persists the worker URL, then releases the sandbox and stores
// the artifact record. Only the URL write can fail the step.
func (e *Engine) cleanup(ctx context.Context, ex *execution, in Results) (Results, map[string]any, error) {
	params := ex.msg.Params
	url := in.Deploy.WorkerURL

	if err := e.projects.SetWorkerURL(ctx, params.ProjectID, url, params.CustomDomain); err != nil {
		return in, nil, err
	}
	data := map[string]any{"workerUrl": url}

	termErr := e.sandboxes.Terminate(ctx, in.Sandbox.SandboxID, sandbox.TerminateTimeout)
	data["sandboxTerminated"] = termErr == nil
	if termErr != nil {
		data["terminateError"] = termErr.Error()
	}

	md := &artifact.Metadata{
		DeploymentID:   ex.msg.Metadata.DeploymentID,
		ProjectID:      params.ProjectID,
		OrganizationID: params.OrganizationID,
		Template:       in.Validation.Template.Name,
		WorkerURL:      url,
		SandboxID:      in.Sandbox.SandboxID,
		Files:          in.Sync.Synced,
		DeployedAt:     time.Now().UTC(),
	}
	artErr := e.artifacts.Put(ctx, md)
	data["artifactStored"] = artErr == nil
	if artErr != nil {
		data["artifactError"] = artErr.Error()
		ex.logger.Warn().Err(artErr).Msg("failed to store deployment metadata")
	}

	out := in
	out.Cleanup = &CleanupOutput{
		WorkerURL:       url,
		SandboxReleased: true,
		ArtifactStored:  artErr == nil,
	}
	return out, data, nil
}

func (e *Engine) platformDomain() string {
	if e.settings.PlatformDomain == "" {
		return "workers.dev"
	}
	return e.settings.PlatformDomain
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
