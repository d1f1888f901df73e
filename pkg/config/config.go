package config

import (
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// LoadAndWatch 读取 config/{service}.yaml，环境变量覆盖，文件变更时热更新到 out
//
//	MARKET_NODE_INBOUND_RETENTION 覆盖 inbound.retention
func LoadAndWatch(service string, out interface{}) (*viper.Viper, error) {
	v := newViper(service)
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	return load(service, v, out)
}

// LoadFile is LoadAndWatch for an explicit file path.
func LoadFile(service, path string, out interface{}) (*viper.Viper, error) {
	if path == "" {
		return LoadAndWatch(service, out)
	}
	v := newViper(service)
	v.SetConfigFile(path)
	return load(service, v, out)
}

func newViper(service string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func load(service string, v *viper.Viper, out interface{}) (*viper.Viper, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}
	// logger 还没初始化，这里用标准库 log
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)
		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
	})
	return v, nil
}
