package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func newEnrollCmd() *cobra.Command {
	var (
		mac       string
		imageID   string
		rootMB    int64
		swapMB    int64
		ephMB     int64
		kernelID  string
		ramdiskID string
	)
	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Enroll a new node",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			body := map[string]any{
				"mac": mac,
				"instance": map[string]any{
					"image_id":     imageID,
					"root_mb":      rootMB,
					"swap_mb":      swapMB,
					"ephemeral_mb": ephMB,
				},
				"driver": map[string]any{
					"deploy_kernel_id":  kernelID,
					"deploy_ramdisk_id": ramdiskID,
				},
			}
			resp, err := client.doRequest(http.MethodPost, "/v1/nodes", body)
			if err != nil {
				return err
			}
			printResponse(resp)
			return nil
		},
	}
	cmd.Flags().StringVar(&mac, "mac", "", "node MAC address")
	cmd.Flags().StringVar(&imageID, "image", "", "instance image identifier")
	cmd.Flags().Int64Var(&rootMB, "root-mb", 0, "root partition size in MiB")
	cmd.Flags().Int64Var(&swapMB, "swap-mb", 0, "swap partition size in MiB")
	cmd.Flags().Int64Var(&ephMB, "ephemeral-mb", 0, "ephemeral partition size in MiB")
	cmd.Flags().StringVar(&kernelID, "deploy-kernel", "", "deploy kernel identifier")
	cmd.Flags().StringVar(&ramdiskID, "deploy-ramdisk", "", "deploy ramdisk identifier")
	_ = cmd.MarkFlagRequired("image")
	_ = cmd.MarkFlagRequired("root-mb")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <uuid>",
		Short: "Show a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			n, err := client.getNode(args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				b, _ := json.MarshalIndent(n, "", "  ")
				fmt.Println(string(b))
				return nil
			}
			fmt.Printf("UUID:      %s\n", n.UUID)
			fmt.Printf("MAC:       %s\n", n.MAC)
			fmt.Printf("State:     %s\n", n.ProvisionState)
			fmt.Printf("Power:     %s\n", n.PowerState)
			fmt.Printf("Image:     %s\n", n.Instance.ImageID)
			fmt.Printf("Root MiB:  %d\n", n.Instance.RootMB)
			if n.LastError != "" {
				fmt.Printf("Error:     %s\n", n.LastError)
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List enrolled node UUIDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			resp, err := client.doRequest(http.MethodGet, "/v1/nodes", nil)
			if err != nil {
				return err
			}
			if outputJSON {
				printResponse(resp)
				return nil
			}
			var body struct {
				Nodes []string `json:"nodes"`
			}
			if err := json.Unmarshal(resp, &body); err != nil {
				return fmt.Errorf("failed to decode list: %w", err)
			}
			for _, uuid := range body.Nodes {
				fmt.Println(uuid)
			}
			return nil
		},
	}
}

func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <uuid>",
		Short: "Start deploying a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			resp, err := client.doRequest(http.MethodPost, "/v1/nodes/"+args[0]+"/deploy", map[string]any{})
			if err != nil {
				return err
			}
			printResponse(resp)
			return nil
		},
	}
}

func newTearDownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "teardown <uuid>",
		Short: "Tear down a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(baseURL)
			resp, err := client.doRequest(http.MethodDelete, "/v1/nodes/"+args[0], nil)
			if err != nil {
				return err
			}
			printResponse(resp)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mdeployctl %s\n", Version)
		},
	}
}

func printResponse(resp []byte) {
	var out json.RawMessage = resp
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		os.Stdout.Write(resp)
		return
	}
	fmt.Println(string(b))
}
