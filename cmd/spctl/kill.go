package main

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
)

func newKillCommand(apiAddr *string) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "kill <job-name>",
		Short: "Kill the currently running instance of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			jobName := args[0]

			if !yes {
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Kill the running instance of %q?", jobName),
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					fmt.Println("aborted")
					return nil
				}
			}

			if err := newAPIClient(*apiAddr).post("/v1/kill", killRequest{JobName: jobName}); err != nil {
				return err
			}
			fmt.Printf("kill enqueued for %q\n", jobName)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

type killRequest struct {
	JobName string `json:"job_name"`
}
