package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"fanout/config"
	"fanout/lock"
	"fanout/log"
	"fanout/registry"
	"fanout/run"
	"fanout/safeguard"
	"fanout/task"
	"fanout/workspace"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	version = "1.0.0"

	taskFlags     []string
	fileFlag      string
	dirFlag       string
	programFlag   string
	sandboxFlag   string
	timeoutFlag   int
	mergeFlag     string
	asyncFlag     bool
	containerFlag string
	dirtyFlag     string

	rootCmd = &cobra.Command{
		Use:   "fanout",
		Short: "Fanout - dispatch bounded tasks to parallel agent workers",
		Long: "Fanout dispatches up to " + fmt.Sprint(task.MaxTasks) + " bounded tasks to concurrently running " +
			"agent processes, isolates their writes in per-worker git worktrees, enforces " +
			"per-worker time budgets and merges the results into a single report.",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()

			tasks, opts, err := buildOptions(cfg)
			if err != nil {
				return err
			}
			opts.Tasks = tasks

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, err := run.Run(ctx, *opts)
			if err != nil {
				if errors.Is(err, run.ErrAborted) {
					// A deliberate abort, not a fault.
					fmt.Println(err)
					return nil
				}
				return err
			}

			if r != nil {
				fmt.Print(r.Render(isTerminal(os.Stdout)))
			} else {
				fmt.Println("workers detached; inspect them with 'fanout jobs'")
			}
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of fanout",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fanout version %s\n", version)
		},
	}

	jobsCmd = &cobra.Command{
		Use:   "jobs",
		Short: "List persisted async job records",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			records, err := registry.List()
			if err != nil {
				return fmt.Errorf("failed to list job records: %w", err)
			}
			if len(records) == 0 {
				fmt.Println("no job records")
				return nil
			}

			for _, r := range records {
				state := "gone"
				if r.Alive() {
					state = "alive"
				}
				fmt.Printf("%s/%s  pid=%d  %s  started=%s  %s\n",
					r.RunID, r.JobID, r.Pid, state, r.StartedAt.Format(time.RFC3339), r.Task)
				if r.Workspace != "" {
					fmt.Printf("  workspace: %s\n", r.Workspace)
				}
			}
			return nil
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Reclaim all fanout worktrees and branches and remove a stale lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			cfg := config.LoadConfig()
			projectDir, err := filepath.Abs(dirFlag)
			if err != nil {
				return fmt.Errorf("failed to resolve project directory: %w", err)
			}

			if workspace.IsGitRepo(projectDir) {
				isolator, err := workspace.NewIsolator(projectDir, cfg.BranchPrefix, "")
				if err != nil {
					return err
				}
				if err := isolator.ReclaimStale(); err != nil {
					return fmt.Errorf("failed to reclaim worktrees: %w", err)
				}
				fmt.Println("Worktrees and branches have been cleaned up")
			}

			if err := lock.ForceRelease(projectDir); err != nil {
				return err
			}
			fmt.Println("Lock has been removed")

			return nil
		},
	}
)

// buildOptions layers run options: config file defaults, then the task file,
// then command-line flags.
func buildOptions(cfg *config.Config) ([]task.Task, *run.Options, error) {
	projectDir, err := filepath.Abs(dirFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve project directory: %w", err)
	}

	opts := &run.Options{
		ProjectDir:     projectDir,
		Program:        cfg.DefaultProgram,
		Sandbox:        run.SandboxReadOnly,
		TimeoutMinutes: cfg.TimeoutMinutes,
		Merge:          run.MergeMode(cfg.MergeMode),
		Container:      safeguard.ContainerPolicy(cfg.ContainerPolicy),
		Dirty:          run.DirtyPolicy(cfg.DirtyPolicy),
		Interactive:    isTerminal(os.Stdin),
		BranchPrefix:   cfg.BranchPrefix,
	}

	var tasks []task.Task
	if fileFlag != "" {
		file, fileTasks, err := task.ParseFile(fileFlag)
		if err != nil {
			return nil, nil, err
		}
		tasks = fileTasks
		if file.Sandbox != "" {
			opts.Sandbox = run.SandboxMode(file.Sandbox)
		}
		if file.MergeMode != "" {
			opts.Merge = run.MergeMode(file.MergeMode)
		}
		if file.TimeoutMinutes != 0 {
			opts.TimeoutMinutes = file.TimeoutMinutes
		}
		if file.Program != "" {
			opts.Program = file.Program
		}
		opts.Async = file.Async
	}

	if len(taskFlags) > 0 {
		if fileFlag != "" {
			return nil, nil, fmt.Errorf("use either --task or --file, not both")
		}
		tasks = task.FromDescriptions(taskFlags)
	}

	// Flags win over the file and the config.
	if programFlag != "" {
		opts.Program = programFlag
	}
	if sandboxFlag != "" {
		opts.Sandbox = run.SandboxMode(sandboxFlag)
	}
	if timeoutFlag != 0 {
		opts.TimeoutMinutes = timeoutFlag
	}
	if mergeFlag != "" {
		opts.Merge = run.MergeMode(mergeFlag)
	}
	if asyncFlag {
		opts.Async = true
	}
	if containerFlag != "" {
		policy, err := safeguard.ParseContainerPolicy(containerFlag)
		if err != nil {
			return nil, nil, err
		}
		opts.Container = policy
	}
	if dirtyFlag != "" {
		opts.Dirty = run.DirtyPolicy(dirtyFlag)
	}

	// A non-interactive run cannot prompt; fall back to the safe abort.
	if !opts.Interactive && opts.Dirty == run.DirtyPrompt {
		opts.Dirty = run.DirtyAbort
	}

	return tasks, opts, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func init() {
	rootCmd.Flags().StringArrayVarP(&taskFlags, "task", "t", nil,
		"Task description; repeat for multiple tasks")
	rootCmd.Flags().StringVarP(&fileFlag, "file", "f", "",
		"YAML task file with tasks, path scopes and run options")
	rootCmd.Flags().StringVarP(&programFlag, "program", "p", "",
		"Agent program to run for each worker (e.g. 'claude')")
	rootCmd.Flags().StringVar(&sandboxFlag, "sandbox", "",
		"Sandbox mode: read-only or workspace-write")
	rootCmd.Flags().IntVar(&timeoutFlag, "timeout", 0,
		"Per-worker timeout in minutes (1-30)")
	rootCmd.Flags().StringVar(&mergeFlag, "merge", "",
		"Merge mode in write sandbox: auto, manual or ask")
	rootCmd.Flags().BoolVar(&asyncFlag, "async", false,
		"Fire-and-forget: persist job records and exit without waiting")
	rootCmd.Flags().StringVar(&containerFlag, "container-policy", "",
		"Container safeguard level: strict, standard or permissive")
	rootCmd.Flags().StringVar(&dirtyFlag, "dirty", "",
		"Dirty-repository policy in write sandbox: prompt, proceed or abort")

	rootCmd.PersistentFlags().StringVarP(&dirFlag, "dir", "C", ".",
		"Project root to run against")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(resetCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
