package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stepstore/internal/archive"
	"github.com/kilupskalvis/stepstore/internal/config"
)

var backupCmd = &cobra.Command{
	Use:   "backup <store> [destination]",
	Short: "Copy a store, optionally uploading it",
	Long: `Copy every table of a store into a destination file. With --upload the
copy is also sent to the configured archive (a local directory or an S3
bucket). With --list the archived backups are listed instead.`,
	Args: cobra.RangeArgs(0, 2),
	Run:  runBackup,
}

var (
	backupUpload bool
	backupList   bool
)

func init() {
	backupCmd.Flags().BoolVar(&backupUpload, "upload", false, "Upload the copy to the configured archive")
	backupCmd.Flags().BoolVar(&backupList, "list", false, "List archived backups")
}

func runBackup(cmd *cobra.Command, args []string) {
	bg := context.Background()
	if backupList {
		cfg, _ := loadConfig()
		listBackups(bg, cfg)
		return
	}
	if len(args) != 2 {
		exitError("backup needs a store and a destination")
	}

	c := initContext(args[0], false)
	defer c.Close()

	if err := c.Model.BackupTo(bg, args[1]); err != nil {
		exitError("backup failed: %v", err)
	}
	color.New(color.FgGreen).Printf("Backed up %s", args[0])
	fmt.Printf(" to %s\n", args[1])

	if !backupUpload {
		return
	}
	st, err := archive.Open(bg, c.Config.Archive)
	if err != nil {
		exitError("failed to open archive: %v", err)
	}
	info, err := archive.UploadFile(bg, st, args[1])
	if err != nil {
		exitError("%v", err)
	}
	fmt.Printf("Uploaded %s (%s) to %s archive\n", info.Key, humanize.Bytes(uint64(info.Size)), st.Driver())
}

func listBackups(ctx context.Context, cfg *config.Config) {
	st, err := archive.Open(ctx, cfg.Archive)
	if err != nil {
		exitError("failed to open archive: %v", err)
	}
	infos, err := st.List(ctx, archive.BackupPrefix)
	if err != nil {
		exitError("failed to list backups: %v", err)
	}
	if len(infos) == 0 {
		fmt.Println("No backups")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, info := range infos {
		yellow.Printf("%-60s ", info.Key)
		fmt.Printf("%10s  %s\n", humanize.Bytes(uint64(info.Size)), humanize.Time(info.LastModified))
	}
}
