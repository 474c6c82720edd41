package provisioner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/termflux/termflux/internal/docker"
)

// SetupSpec describes the optional first-boot steps. Every field is
// optional; steps run in a fixed order regardless of declaration order.
type SetupSpec struct {
	SSHPrivateKey string
	GPGKey        string
	GitName       string
	GitEmail      string
	Dotfiles      *DotfilesSpec
	Apps          []string
	Repos         []RepoClone
	Secrets       map[string]string
	Env           map[string]string
	StartupScript string
}

// DotfilesSpec configures dotfile installation. When RepoURL is set the
// repo is cloned to ~/.dotfiles; InstallScript (if any) runs from there,
// otherwise well-known dotfiles present in the clone are symlinked.
// Files materializes inline contents at the given home-relative paths.
type DotfilesSpec struct {
	RepoURL       string
	InstallScript string
	Files         map[string]string
}

// RepoClone is one repository to clone on first boot.
type RepoClone struct {
	URL    string
	Branch string
	Path   string
}

const envFile = "/home/dev/.termflux_env"

const envSentinel = "# termflux env"

// sshConfig pre-trusts the common forges so first clones do not stall on
// host key prompts.
const sshConfig = `Host github.com gitlab.com bitbucket.org
	IdentityFile ~/.ssh/id_ed25519
	StrictHostKeyChecking accept-new
`

var symlinkDotfiles = []string{".bashrc", ".zshrc", ".vimrc", ".tmux.conf", ".gitconfig"}

// runSetup walks the first-boot steps in order. The caller removes the
// container (keeping the volume) when any step fails.
func (p *Provisioner) runSetup(ctx context.Context, workspaceID string, spec *SetupSpec) error {
	log := p.log.With(zap.String("workspace_id", workspaceID))

	if spec.SSHPrivateKey != "" {
		if err := p.installSSHKey(ctx, workspaceID, spec.SSHPrivateKey); err != nil {
			return fmt.Errorf("install ssh key: %w", err)
		}
		log.Debug("installed ssh key")
	}

	if spec.GPGKey != "" {
		if err := p.importGPGKey(ctx, workspaceID, spec.GPGKey); err != nil {
			return fmt.Errorf("import gpg key: %w", err)
		}
		log.Debug("imported gpg key")
	}

	if spec.GitName != "" || spec.GitEmail != "" {
		if err := p.setGitIdentity(ctx, workspaceID, spec.GitName, spec.GitEmail); err != nil {
			return fmt.Errorf("set git identity: %w", err)
		}
	}

	if spec.Dotfiles != nil {
		if err := p.installDotfiles(ctx, workspaceID, spec.Dotfiles); err != nil {
			return fmt.Errorf("install dotfiles: %w", err)
		}
	}

	for _, appName := range spec.Apps {
		if err := p.installApp(ctx, workspaceID, appName); err != nil {
			return fmt.Errorf("install app %s: %w", appName, err)
		}
		log.Info("installed app", zap.String("app", appName))
	}

	for _, repo := range spec.Repos {
		if err := p.cloneRepo(ctx, workspaceID, repo); err != nil {
			return fmt.Errorf("clone %s: %w", repo.URL, err)
		}
	}

	for name, value := range spec.Secrets {
		if err := p.vault.Set(ctx, workspaceID, name, value); err != nil {
			return fmt.Errorf("store secret %s: %w", name, err)
		}
	}
	if len(spec.Secrets) > 0 {
		if err := p.vault.InjectIntoContainer(ctx, workspaceID); err != nil {
			return fmt.Errorf("inject secrets: %w", err)
		}
	}

	if len(spec.Env) > 0 {
		if err := p.writeEnvFile(ctx, workspaceID, spec.Env); err != nil {
			return fmt.Errorf("write env file: %w", err)
		}
	}

	if spec.StartupScript != "" {
		if err := p.runShell(ctx, workspaceID, spec.StartupScript); err != nil {
			return fmt.Errorf("startup script: %w", err)
		}
		log.Debug("ran startup script")
	}
	return nil
}

func (p *Provisioner) installSSHKey(ctx context.Context, workspaceID, key string) error {
	if !strings.HasSuffix(key, "\n") {
		key += "\n"
	}
	if err := docker.WriteFile(ctx, p.drv, workspaceID, ".ssh/id_ed25519", key, "0600"); err != nil {
		return err
	}
	return docker.WriteFileIfAbsent(ctx, p.drv, workspaceID, ".ssh/config", sshConfig, "0600")
}

func (p *Provisioner) importGPGKey(ctx context.Context, workspaceID, key string) error {
	cmd := fmt.Sprintf("printf '%%s' %s | gpg --batch --import && git config --global commit.gpgsign true",
		docker.ShellQuote(key))
	return p.runShell(ctx, workspaceID, cmd)
}

func (p *Provisioner) setGitIdentity(ctx context.Context, workspaceID, name, email string) error {
	var parts []string
	if name != "" {
		parts = append(parts, "git config --global user.name "+docker.ShellQuote(name))
	}
	if email != "" {
		parts = append(parts, "git config --global user.email "+docker.ShellQuote(email))
	}
	return p.runShell(ctx, workspaceID, strings.Join(parts, " && "))
}

func (p *Provisioner) installDotfiles(ctx context.Context, workspaceID string, spec *DotfilesSpec) error {
	if spec.RepoURL != "" {
		clone := fmt.Sprintf("[ -d .dotfiles ] || git clone %s .dotfiles", docker.ShellQuote(spec.RepoURL))
		if err := p.runShell(ctx, workspaceID, clone); err != nil {
			return err
		}
		if spec.InstallScript != "" {
			cmd := fmt.Sprintf("cd .dotfiles && sh %s", docker.ShellQuote(spec.InstallScript))
			if err := p.runShell(ctx, workspaceID, cmd); err != nil {
				return err
			}
		} else {
			for _, f := range symlinkDotfiles {
				q := docker.ShellQuote(f)
				cmd := fmt.Sprintf("[ -f .dotfiles/%s ] && ln -sf .dotfiles/%s %s || true", q, q, q)
				if err := p.runShell(ctx, workspaceID, cmd); err != nil {
					return err
				}
			}
		}
	}

	for path, content := range spec.Files {
		if err := docker.WriteFile(ctx, p.drv, workspaceID, path, content, "0644"); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) installApp(ctx context.Context, workspaceID, appName string) error {
	app, err := p.st.GetApp(ctx, appName)
	if err != nil {
		return err
	}
	var env []string
	for k, v := range app.ConfigEnv {
		env = append(env, k+"="+v)
	}
	res, err := p.drv.Exec(ctx, workspaceID, []string{"sh", "-c", app.InstallScript}, docker.ExecOptions{Env: env})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install script exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return p.st.RecordAppInstall(ctx, workspaceID, app.ID)
}

func (p *Provisioner) cloneRepo(ctx context.Context, workspaceID string, repo RepoClone) error {
	path := repo.Path
	if path == "" {
		path = "projects/" + strings.TrimSuffix(lastPathSegment(repo.URL), ".git")
	}
	cmd := "git clone"
	if repo.Branch != "" {
		cmd += " -b " + docker.ShellQuote(repo.Branch)
	}
	cmd += " " + docker.ShellQuote(repo.URL) + " " + docker.ShellQuote(path)
	return p.runShell(ctx, workspaceID, cmd)
}

func (p *Provisioner) writeEnvFile(ctx context.Context, workspaceID string, env map[string]string) error {
	var b strings.Builder
	for k, v := range env {
		b.WriteString("export ")
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(docker.ShellQuote(v))
		b.WriteByte('\n')
	}
	if err := docker.WriteFile(ctx, p.drv, workspaceID, envFile, b.String(), "0600"); err != nil {
		return err
	}
	sourceLine := fmt.Sprintf("%s\n[ -f %s ] && source %s", envSentinel, envFile, envFile)
	return docker.AppendLineOnce(ctx, p.drv, workspaceID, "/home/dev/.bashrc", envSentinel, sourceLine)
}

func (p *Provisioner) runShell(ctx context.Context, workspaceID, cmd string) error {
	res, err := p.drv.Exec(ctx, workspaceID, []string{"sh", "-c", cmd}, docker.ExecOptions{})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("command exited %d: %s", res.ExitCode, strings.TrimSpace(string(res.Output)))
	}
	return nil
}

func lastPathSegment(url string) string {
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		return url[i+1:]
	}
	return url
}
