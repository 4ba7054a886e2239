package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"fleet/api/model"
	"fleet/cli/api"
	"fleet/cli/style"
)

var (
	taskFilter       api.TaskFilter
	taskNode         string
	taskType         string
	taskResourceType string
	taskResourceID   string
	taskPayload      string
	taskPriority     int
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Short:   "Inspect, enqueue and cancel tasks",
	Aliases: []string{"tasks"},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List tasks, newest first",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := client.ListTasks(taskFilter)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(ts) == 0 {
			fmt.Println(style.DimText.Render("No tasks."))
			return nil
		}
		header := fmt.Sprintf("  %-10s %-10s %-9s %-24s %-4s %-13s %s", "ID", "NODE", "TYPE", "RESOURCE", "PRI", "STATUS", "CREATED")
		fmt.Println(style.TableHeader.Render(header))
		for _, t := range ts {
			resource := string(t.ResourceType) + "/" + t.ResourceID
			fmt.Printf("  %-10s %-10s %-9s %-24s %-4d %s %s\n",
				shortID(t.ID), shortID(t.NodeID), t.Type, resource, t.Priority,
				taskStatus(t.Status, 13), style.DimText.Render(ago(&t.CreatedAt)))
			if t.Error != "" {
				fmt.Println(style.DimText.Render("             " + t.Error))
			}
		}
		fmt.Println()
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := client.GetTask(args[0])
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		kv := func(k, v string) { fmt.Printf("  %s %s\n", style.Key.Render(k), style.Val.Render(v)) }
		fmt.Println(style.Banner.Render("⚡ " + t.ID))
		kv("Node", t.NodeID)
		kv("Type", string(t.Type))
		kv("Resource", string(t.ResourceType)+"/"+t.ResourceID)
		kv("Priority", fmt.Sprint(t.Priority))
		fmt.Printf("  %s %s\n", style.Key.Render("Status"), taskStatus(t.Status, 0))
		kv("Created", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		for _, st := range []struct {
			label string
			at    string
		}{
			{"Sent", fmtStamp(t.SentAt)},
			{"Acknowledged", fmtStamp(t.AcknowledgedAt)},
			{"Started", fmtStamp(t.StartedAt)},
			{"Finished", fmtStamp(t.FinishedAt)},
		} {
			if st.at != "" {
				kv(st.label, st.at)
			}
		}
		if t.Output != "" {
			kv("Output", t.Output)
		}
		if t.Error != "" {
			fmt.Println(style.ErrorBox.Render(t.Error))
		}
		fmt.Println()
		return nil
	},
}

var taskEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Enqueue a task for a node",
	RunE: func(cmd *cobra.Command, args []string) error {
		req := model.TaskRequest{
			NodeID:       taskNode,
			Type:         model.TaskType(taskType),
			ResourceType: model.ResourceType(taskResourceType),
			ResourceID:   taskResourceID,
		}
		if taskPayload != "" {
			if !json.Valid([]byte(taskPayload)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			req.Payload = json.RawMessage(taskPayload)
		}
		if cmd.Flags().Changed("priority") {
			req.Priority = &taskPriority
		}
		t, err := client.EnqueueTask(req)
		if err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		how := "queued until the node connects"
		if t.Delivered {
			how = "delivered"
		}
		fmt.Println(style.SuccessBox.Render(fmt.Sprintf("Task %s %s", t.ID, how)))
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel every open task of a resource",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := client.CancelTasks(model.ResourceType(taskResourceType), taskResourceID)
		if err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Println(style.SuccessBox.Render(fmt.Sprintf("Cancelled %d task(s)", n)))
		return nil
	},
}

func init() {
	taskListCmd.Flags().StringVar(&taskFilter.NodeID, "node", "", "Only tasks for this node")
	taskListCmd.Flags().StringVar(&taskFilter.Status, "status", "", "Only tasks in this status")
	taskListCmd.Flags().StringVar(&taskFilter.ResourceType, "resource-type", "", "application or database")
	taskListCmd.Flags().StringVar(&taskFilter.ResourceID, "resource-id", "", "Only tasks for this resource")
	taskListCmd.Flags().IntVar(&taskFilter.Limit, "limit", 0, "Maximum number of tasks")

	taskEnqueueCmd.Flags().StringVar(&taskNode, "node", "", "Target node id")
	taskEnqueueCmd.Flags().StringVar(&taskType, "type", "", "deploy, restart, stop, start, scale, backup, restore or delete")
	taskEnqueueCmd.Flags().StringVar(&taskResourceType, "resource-type", string(model.ResourceApplication), "application or database")
	taskEnqueueCmd.Flags().StringVar(&taskResourceID, "resource-id", "", "Target resource id")
	taskEnqueueCmd.Flags().StringVar(&taskPayload, "payload", "", "Opaque JSON payload")
	taskEnqueueCmd.Flags().IntVar(&taskPriority, "priority", model.DefaultPriority, "Lower runs first")
	taskEnqueueCmd.MarkFlagRequired("node")
	taskEnqueueCmd.MarkFlagRequired("type")
	taskEnqueueCmd.MarkFlagRequired("resource-id")

	taskCancelCmd.Flags().StringVar(&taskResourceType, "resource-type", "", "application or database")
	taskCancelCmd.Flags().StringVar(&taskResourceID, "resource-id", "", "Resource being deleted")
	taskCancelCmd.MarkFlagRequired("resource-type")
	taskCancelCmd.MarkFlagRequired("resource-id")

	taskCmd.AddCommand(taskListCmd, taskGetCmd, taskEnqueueCmd, taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}
