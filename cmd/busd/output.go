package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/glimte/rmqbus/config"
	"github.com/glimte/rmqbus/contracts"
	"github.com/glimte/rmqbus/internal/rabbitmq"
	"github.com/glimte/rmqbus/monitor"
)

// bindingRow is one routing key of an exchange -> queue pair
type bindingRow struct {
	Exchange string
	Queue    string
	Key      string
	Declared bool
	Live     bool
}

func (r bindingRow) status() string {
	switch {
	case r.Declared && r.Live:
		return "ok"
	case r.Declared:
		return "missing"
	default:
		return "stale"
	}
}

func declaredFor(cfg config.BrokerConfig, queue string, bindings []contracts.Binding) []string {
	return rabbitmq.NewDriver(cfg).DeclaredKeys(queue, bindings)
}

// compareBindings merges declared and live keys into sorted rows. The empty
// key is skipped.
func compareBindings(exchange, queue string, declared, live []string) []bindingRow {
	rows := make(map[string]*bindingRow)
	row := func(key string) *bindingRow {
		if r, ok := rows[key]; ok {
			return r
		}
		r := &bindingRow{Exchange: exchange, Queue: queue, Key: key}
		rows[key] = r
		return r
	}
	for _, key := range declared {
		row(key).Declared = true
	}
	for _, key := range live {
		if key == "" {
			continue
		}
		row(key).Live = true
	}

	keys := make([]string, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]bindingRow, 0, len(keys))
	for _, key := range keys {
		out = append(out, *rows[key])
	}
	return out
}

func printBindings(rows []bindingRow) {
	if len(rows) == 0 {
		fmt.Println("No bindings found")
		return
	}

	fmt.Printf("%-30s %-30s %-40s %-10s\n", "Exchange", "Queue", "Routing Key", "Status")
	fmt.Println(strings.Repeat("-", 113))
	for _, r := range rows {
		fmt.Printf("%-30s %-30s %-40s %-10s\n",
			truncate(r.Exchange, 30),
			truncate(r.Queue, 30),
			truncate(r.Key, 40),
			r.status(),
		)
	}
}

func printQueues(queues []monitor.QueueInfo) {
	if len(queues) == 0 {
		fmt.Println("No queues found")
		return
	}

	fmt.Printf("%-40s %-10s %-10s %-15s %-10s\n", "Name", "Messages", "Consumers", "Message Rate", "State")
	fmt.Println(strings.Repeat("-", 95))
	for _, q := range queues {
		fmt.Printf("%-40s %-10d %-10d %-15.2f %-10s\n",
			truncate(q.Name, 40),
			q.Messages,
			q.Consumers,
			q.MessageRate(),
			q.State,
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
