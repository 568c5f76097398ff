package main

import (
	"fmt"
	"os"

	"goodsdeck/internal/app"
	"goodsdeck/internal/config"
	"goodsdeck/internal/pkg/logger"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const appName = "goodsdeck"

// cli 保存全局参数与按需构造的应用实例。
type cli struct {
	v   *viper.Viper
	app *app.App
}

func newRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix(appName)
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:           appName,
		Short:         "Incremental marketplace scraper for tracked keywords",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || (cmd.Parent() != nil && cmd.Parent().Name() == "completion") {
				return nil
			}
			return c.open(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			return c.close()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "configs/config.json", "config file path (env GOODSDECK_CONFIG)")
	flags.String("log-level", "", "override app.log_level (env GOODSDECK_LOG_LEVEL)")
	_ = c.v.BindPFlag("config", flags.Lookup("config"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))

	root.AddCommand(
		c.initCmd(),
		c.scrapeCmd(),
		c.keywordsCmd(),
		c.blocklistCmd(),
		c.statsCmd(),
		c.mockCmd(),
		c.importCmd(),
		c.enrichCmd(),
	)
	return root
}

// open 加载配置并连接依赖。日志写到 stderr，stdout 只留给命令输出。
func (c *cli) open(cmd *cobra.Command) error {
	cfg, err := config.Load(c.v.GetString("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level := cfg.App.LogLevel
	if v := c.v.GetString("log_level"); v != "" {
		level = v
	}
	a, err := app.New(cmd.Context(), cfg, logger.New(os.Stderr, level))
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

func (c *cli) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or migrate the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 建表在 open 中完成
			fmt.Fprintln(cmd.OutOrStdout(), "database schema ready")
			return nil
		},
	}
}
