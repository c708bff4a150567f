package main

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/switchboard/internal/convid"
)

var decodeProject string

var decodeCmd = &cobra.Command{
	Use:   "decode <conversation-id>",
	Short: "Classify a conversation id and print its parts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := map[string]string{"conversationId": args[0]}
		id, err := convid.DecodeWithHint(args[0], decodeProject)
		out["status"] = convid.StatusOf(err).String()
		var de *convid.DecodeError
		switch {
		case err == nil:
			out["kind"] = string(id.Kind)
			out["projectId"] = id.ProjectID
			if id.ContextID != "" {
				out["contextId"] = id.ContextID
			}
		case errors.As(err, &de):
			out["reason"] = de.Reason
		default:
			out["reason"] = err.Error()
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	decodeCmd.Flags().StringVarP(&decodeProject, "project", "p", "", "Known project id, used to split ambiguous ids")
}
