package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/fentz26/trainctl/internal/events"
	"github.com/fentz26/trainctl/internal/logging"
	"github.com/spf13/cobra"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Inspect and pull docker images for the docker backend",
}

var imageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List local docker images",
	Args:  cobra.NoArgs,
	RunE:  runImageList,
}

var imageCheckCmd = &cobra.Command{
	Use:   "check [image]",
	Short: "Check that an image is available locally",
	Args:  cobra.ExactArgs(1),
	RunE:  runImageCheck,
}

var imagePullCmd = &cobra.Command{
	Use:   "pull [image]",
	Short: "Pull an image",
	Args:  cobra.ExactArgs(1),
	RunE:  runImagePull,
}

func init() {
	imageCmd.AddCommand(imageListCmd, imageCheckCmd, imagePullCmd)
}

func runImageList(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	images, err := newContainerBackend(appConfig, imageLogger()).ListImages(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(images) == 0 {
		fmt.Fprintln(out, "No images found")
		return nil
	}
	for _, img := range images {
		fmt.Fprintln(out, img)
	}
	return nil
}

func runImageCheck(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ok, err := newContainerBackend(appConfig, imageLogger()).ImageExists(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("image %s is not available locally, run 'trainctl image pull %s'", args[0], args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Image %s is available\n", args[0])
	return nil
}

func runImagePull(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	emit := func(ev events.Event) {
		if l, ok := ev.(events.Log); ok {
			fmt.Fprintln(out, l.Message)
		}
	}
	if err := newContainerBackend(appConfig, imageLogger()).Pull(ctx, args[0], emit); err != nil {
		return err
	}
	fmt.Fprintf(out, "Pulled %s\n", args[0])
	return nil
}

func imageLogger() *slog.Logger {
	return logging.New(appConfig.LogLevel, appConfig.LogFormat, os.Stderr)
}
