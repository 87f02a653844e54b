package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"PhoneAgent-Web/sdk/go/phoneagent"
)

func main() {
	server := flag.String("server", "http://127.0.0.1:5000", "phoneagentd 地址")
	sync := flag.Bool("sync", false, "使用同步接口，运行结束后一次性输出")
	flag.Parse()

	task := strings.TrimSpace(strings.Join(flag.Args(), " "))
	if task == "" {
		fmt.Fprintln(os.Stderr, "用法: examples [-server URL] [-sync] <任务描述>")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := phoneagent.NewClient(*server, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *sync {
		result, err := client.Run(ctx, task)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, line := range result.Output {
			fmt.Println(line)
		}
		fmt.Printf("结果: %s\n", result.Result)
		return
	}

	outcome, err := client.Stream(ctx, task, func(line string) error {
		fmt.Println(line)
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if !outcome.OK {
		fmt.Fprintf(os.Stderr, "运行失败: %s\n", outcome.Message)
		os.Exit(1)
	}
	fmt.Printf("结果: %s\n", outcome.Result)
}
